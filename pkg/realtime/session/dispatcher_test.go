package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"github.com/navtalk/ClinicApp/pkg/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func toolOutput(t *testing.T, msg protocol.Outbound) (protocol.ConversationItem, map[string]any) {
	t.Helper()
	item := msg.Data.(map[string]protocol.ConversationItem)["item"]
	require.Equal(t, "function_call_output", item.Type)
	var out map[string]any
	require.NoError(t, sonic.UnmarshalString(item.Output, &out))
	return item, out
}

func TestSessionCreatedConfiguresAndReplaysUserTurns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.repo.Save(ctx, []records.Entry{
		records.NewEntry(records.RoleUser, "my throat hurts"),
		records.NewEntry(records.RoleAssistant, "since when?"),
		records.NewEntry(records.RoleUser, "two days"),
	}))
	h = newHarness(t, func(o *Options) { o.Transcripts = h.repo })

	require.NoError(t, h.c.Start(ctx))
	ch := h.channel()
	ch.deliver(protocol.SessionCreated{})
	h.c.Snapshot()

	types := ch.types()
	require.Equal(t, []protocol.MessageType{
		protocol.TypeSessionUpdate,
		protocol.TypeConversationCreate,
		protocol.TypeConversationCreate,
	}, types)

	settings := ch.messages(protocol.TypeSessionUpdate)[0].Data.(map[string]any)["session"].(protocol.SessionSettings)
	assert.True(t, strings.HasPrefix(settings.Instructions, "You are a clinic assistant."))
	assert.True(t, strings.HasSuffix(settings.Instructions, protocol.AutoHangupDirective))
	assert.Equal(t, "verse", settings.Voice)
	assert.Equal(t, "server_vad", settings.TurnDetection.Type)
	assert.Equal(t, 0.5, settings.TurnDetection.Threshold)
	assert.Equal(t, 300, settings.TurnDetection.PrefixPaddingMs)
	assert.Equal(t, 500, settings.TurnDetection.SilenceDurationMs)
	assert.Equal(t, "pcm16", settings.InputAudioFormat)
	assert.Equal(t, "pcm16", settings.OutputAudioFormat)
	assert.Equal(t, "whisper-1", settings.InputAudioTranscription.Model)
	require.Len(t, settings.Tools, 1)
	assert.Equal(t, protocol.ToolEndConversation, settings.Tools[0].Name)

	replays := ch.messages(protocol.TypeConversationCreate)
	first := replays[0].Data.(map[string]protocol.ConversationItem)["item"]
	second := replays[1].Data.(map[string]protocol.ConversationItem)["item"]
	assert.Equal(t, "my throat hurts", first.Content[0].Text)
	assert.Equal(t, "two days", second.Content[0].Text)
}

func TestSessionUpdatedRequestsResponseAndStartsCapture(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()

	snap := h.c.Snapshot()
	assert.True(t, snap.Ready)
	assert.Len(t, ch.messages(protocol.TypeResponseCreate), 1)
	require.Eventually(t, func() bool { return h.c.Snapshot().Capturing }, time.Second, 5*time.Millisecond)
}

func TestTranscriptFragmentsBecomeOneEntry(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()

	ch.deliver(protocol.TranscriptDelta{ResponseID: "r1", Delta: "Hel"})
	ch.deliver(protocol.TranscriptDelta{ResponseID: "r1", Delta: "lo"})
	assert.Equal(t, 1, h.c.Snapshot().Fragments)
	assert.Equal(t, PhaseSpeaking, h.c.Snapshot().Phase)

	ch.deliver(protocol.TranscriptDone{ResponseID: "r1"})
	snap := h.c.Snapshot()
	assert.Equal(t, 0, snap.Fragments)

	tr := h.c.Transcript()
	require.Len(t, tr, 1)
	assert.Equal(t, "Hello", tr[0].Content)
	assert.Equal(t, records.RoleAssistant, tr[0].Role)
}

func TestTranscriptDoneTextWinsAndEmptyIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()

	ch.deliver(protocol.TranscriptDelta{ResponseID: "r1", Delta: "Helo"})
	ch.deliver(protocol.TranscriptDone{ResponseID: "r1", Transcript: strPtr("Hello there")})
	ch.deliver(protocol.TranscriptDone{ResponseID: "r2"})

	tr := h.c.Transcript()
	require.Len(t, tr, 1)
	assert.Equal(t, "Hello there", tr[0].Content)
}

func TestSpeechStartedClearsFragments(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()

	ch.deliver(protocol.TranscriptDelta{ResponseID: "r1", Delta: "stale"})
	ch.deliver(protocol.SpeechStarted{})
	snap := h.c.Snapshot()
	assert.Equal(t, 0, snap.Fragments)
	assert.Equal(t, PhaseListening, snap.Phase)

	ch.deliver(protocol.SpeechStopped{})
	assert.Equal(t, PhaseReady, h.c.Snapshot().Phase)
}

func TestInputTranscriptionAppendsUserEntry(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	ch.deliver(protocol.InputTranscribed{ItemID: "i1", Transcript: "I feel dizzy"})
	ch.deliver(protocol.InputTranscribed{ItemID: "i2", Transcript: " "})

	tr := h.c.Transcript()
	require.Len(t, tr, 1)
	assert.Equal(t, records.RoleUser, tr[0].Role)
	assert.Len(t, h.repo.Load(context.Background()), 1)
}

func TestEndConversationSchedulesHangupAfterAudio(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	before := len(ch.messages(protocol.TypeResponseCreate))

	ch.deliver(protocol.FunctionCallDelta{CallID: "c1", Name: protocol.ToolEndConversation, Delta: `{"reason":`})
	ch.deliver(protocol.FunctionCallDelta{CallID: "c1", Delta: `"patient said goodbye"}`})
	assert.Equal(t, 1, h.c.Snapshot().ToolCalls)
	ch.deliver(protocol.FunctionCallDone{CallID: "c1", Name: protocol.ToolEndConversation})

	snap := h.c.Snapshot()
	assert.Equal(t, "patient said goodbye", snap.PendingHangup)
	assert.False(t, snap.HangupArmed)
	assert.Equal(t, 0, snap.ToolCalls)

	outputs := ch.messages(protocol.TypeConversationCreate)
	require.Len(t, outputs, 1)
	item, out := toolOutput(t, outputs[0])
	assert.Equal(t, "c1", item.CallID)
	assert.Equal(t, map[string]any{"action": "auto_hangup", "status": "scheduled", "reason": "patient said goodbye"}, out)
	assert.Len(t, ch.messages(protocol.TypeResponseCreate), before+1)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateActive, h.c.Snapshot().State, "timer is not armed before audio finishes")

	ch.deliver(protocol.AudioDone{ResponseID: "r9"})
	assert.True(t, h.c.Snapshot().HangupArmed)
	require.Eventually(t, func() bool { return h.c.Snapshot().State == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ch.closeCount())
}

func TestStopCancelsArmedHangup(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.HangupDelay = 150 * time.Millisecond })
	ch := h.started()
	ch.deliver(protocol.FunctionCallDone{CallID: "c1", Name: protocol.ToolEndConversation, Arguments: strPtr(`{"reason":"patient said goodbye"}`)})
	ch.deliver(protocol.AudioDone{})
	require.True(t, h.c.Snapshot().HangupArmed)

	require.NoError(t, h.c.Stop())
	next := h.started()
	time.Sleep(250 * time.Millisecond)

	snap := h.c.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Empty(t, snap.PendingHangup)
	assert.Equal(t, 0, next.closeCount())
}

func TestUnknownToolIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	before := len(ch.messages(protocol.TypeResponseCreate))

	ch.deliver(protocol.FunctionCallDone{CallID: "c2", Name: "book_appointment", Arguments: strPtr(`{}`)})
	outputs := ch.messages(protocol.TypeConversationCreate)
	require.Len(t, outputs, 1)
	_, out := toolOutput(t, outputs[0])
	assert.Equal(t, map[string]any{"status": "ignored", "tool": "book_appointment"}, out)
	assert.Len(t, ch.messages(protocol.TypeResponseCreate), before)
	assert.Empty(t, h.c.Snapshot().PendingHangup)
}

func TestMalformedToolArgumentsAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	ch.deliver(protocol.FunctionCallDone{CallID: "c3", Name: protocol.ToolEndConversation, Arguments: strPtr(`{"reason":`)})

	assert.Empty(t, ch.messages(protocol.TypeConversationCreate))
	assert.Empty(t, h.c.Snapshot().PendingHangup)
	assert.Empty(t, h.surfaced(), "parse errors are never surfaced")
}

func TestInsufficientBalance(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()

	ch.deliver(protocol.InsufficientBalance{Message: "balance exhausted"})
	assert.Equal(t, StateActive, h.c.Snapshot().State)
	require.Len(t, h.surfaced(), 1)
	assert.Equal(t, "capacity", h.surfaced()[0]["kind"])

	// 远端已断开
	ch.mu.Lock()
	ch.closing = true
	ch.mu.Unlock()
	ch.deliver(protocol.InsufficientBalance{})
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
}

func TestInsufficientBalanceThenRemoteDropTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()

	ch.deliver(protocol.InsufficientBalance{Message: "balance exhausted"})
	assert.Equal(t, StateActive, h.c.Snapshot().State)
	ch.drop(errors.New("websocket: close 1000"))

	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	assert.Equal(t, 1, ch.closeCount())
	kinds := []any{}
	for _, e := range h.surfaced() {
		kinds = append(kinds, e["kind"])
	}
	assert.Equal(t, []any{"capacity", "transport"}, kinds)
}

func TestConnectionFailAndCloseTearDown(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	ch.deliver(protocol.ConnectionSucceeded{})
	assert.Equal(t, StateActive, h.c.Snapshot().State)
	ch.deliver(protocol.ConnectionFailed{Message: "invalid license"})
	assert.Equal(t, StateIdle, h.c.Snapshot().State)

	ch = h.started()
	ch.deliver(protocol.ConnectionClosed{})
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	assert.Len(t, h.surfaced(), 2)
}

func TestSignalingRoutedToNegotiator(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	neg := h.negotiator()

	ch.deliver(protocol.SignalingOffer{SDP: "v=0"})
	ch.deliver(protocol.SignalingCandidate{Candidate: protocol.ICECandidate{Candidate: "candidate:1"}})
	ch.deliver(protocol.SignalingAnswer{SDP: "v=0"})
	ch.deliver(protocol.Unknown{Kind: "realtime.rate_limits.updated"})

	require.Eventually(t, func() bool {
		offers, candidates, _ := neg.counts()
		return offers == 1 && candidates == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, h.c.Snapshot().State)
}

func TestNegotiationFailureKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	h.negotiator().offerErr = assert.AnError

	ch.deliver(protocol.SignalingOffer{SDP: "v=0"})
	require.Eventually(t, func() bool { return len(h.surfaced()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "negotiation", h.surfaced()[0]["kind"])
	assert.Equal(t, StateActive, h.c.Snapshot().State)
}

func TestEventsFromOldSessionAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	old := h.started()
	var onMsg func(protocol.Event)
	old.mu.Lock()
	onMsg = old.onMsg
	old.mu.Unlock()

	require.NoError(t, h.c.Stop())
	h.started()
	onMsg(protocol.TranscriptDone{ResponseID: "x", Transcript: strPtr("ghost")})
	assert.Empty(t, h.c.Transcript())
}
