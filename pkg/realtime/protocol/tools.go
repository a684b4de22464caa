package protocol

const (
	ToolEndConversation = "end_conversation"

	// AutoHangupDirective 追加在系统提示后，让对端在合适时机调用 end_conversation
	AutoHangupDirective = "\n\nWhen the patient clearly wants to finish the consultation, say a short goodbye " +
		"and then call the end_conversation function with a brief reason. Never call it in the middle of a sentence."
)

// Tool 声明给远端的函数
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// EndConversationTool 自动挂断工具声明
func EndConversationTool() Tool {
	return Tool{
		Type:        "function",
		Name:        ToolEndConversation,
		Description: "End the consultation after the farewell has been spoken.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the conversation is ending.",
				},
			},
			"required": []string{"reason"},
		},
	}
}

// HangupResult end_conversation 的回执
type HangupResult struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func ScheduledHangup(reason string) HangupResult {
	return HangupResult{Action: "auto_hangup", Status: "scheduled", Reason: reason}
}

// IgnoredResult 未知工具的回执
type IgnoredResult struct {
	Status string `json:"status"`
	Tool   string `json:"tool"`
}

func Ignored(name string) IgnoredResult {
	return IgnoredResult{Status: "ignored", Tool: name}
}
