package records

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/navtalk/ClinicApp/pkg/stores"
	"go.uber.org/zap"
)

const IntakeKey = "clinic.intake_form"

// Attachment 附件元数据
type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

// IntakeForm 就诊登记表，字段为任意嵌套结构
type IntakeForm struct {
	Fields      map[string]any `json:"fields"`
	Attachments []Attachment   `json:"attachments"`
}

// DefaultIntake 空白模板
func DefaultIntake() IntakeForm {
	return IntakeForm{
		Fields: map[string]any{
			"fullName":       "",
			"dateOfBirth":    "",
			"gender":         "",
			"phone":          "",
			"email":          "",
			"chiefComplaint": "",
			"symptoms":       []any{},
			"duration":       "",
			"medications":    "",
			"allergies":      "",
			"medicalHistory": "",
			"emergencyContact": map[string]any{
				"name":     "",
				"phone":    "",
				"relation": "",
			},
		},
		Attachments: []Attachment{},
	}
}

// Merge 把 src 深度合并进 dst，嵌套对象逐键合并，其余类型直接覆盖
func Merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if cur, isMap := dst[k].(map[string]any); ok && isMap {
			dst[k] = Merge(cur, sub)
			continue
		}
		dst[k] = v
	}
	return dst
}

type IntakeRepository struct {
	kv     stores.KV
	logger *zap.Logger
	mu     sync.Mutex
}

func NewIntakeRepository(kv stores.KV, logger *zap.Logger) *IntakeRepository {
	if logger == nil {
		logger = zap.L()
	}
	return &IntakeRepository{kv: kv, logger: logger}
}

// Load 存储值合并在默认模板之上
func (r *IntakeRepository) Load(ctx context.Context) IntakeForm {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

func (r *IntakeRepository) load(ctx context.Context) IntakeForm {
	form := DefaultIntake()
	raw, ok, err := r.kv.Get(ctx, IntakeKey)
	if err != nil {
		r.logger.Warn("load intake form failed", zap.Error(err))
		return form
	}
	if !ok || raw == "" {
		return form
	}
	var stored IntakeForm
	if err := sonic.UnmarshalString(raw, &stored); err != nil {
		r.logger.Warn("stored intake form is corrupt, using template", zap.Error(err))
		return form
	}
	form.Fields = Merge(form.Fields, stored.Fields)
	if stored.Attachments != nil {
		form.Attachments = stored.Attachments
	}
	return form
}

func (r *IntakeRepository) save(ctx context.Context, form IntakeForm) error {
	if form.Attachments == nil {
		form.Attachments = []Attachment{}
	}
	raw, err := sonic.MarshalString(form)
	if err != nil {
		return fmt.Errorf("encode intake form: %w", err)
	}
	return r.kv.Set(ctx, IntakeKey, raw)
}

func (r *IntakeRepository) Save(ctx context.Context, form IntakeForm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, form)
}

// Update 合并字段，附件不变
func (r *IntakeRepository) Update(ctx context.Context, fields map[string]any) (IntakeForm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	form := r.load(ctx)
	form.Fields = Merge(form.Fields, fields)
	return form, r.save(ctx, form)
}

// ReplaceAttachments 用新文件集整体替换附件列表，其余字段保持
func (r *IntakeRepository) ReplaceAttachments(ctx context.Context, files []Attachment) (IntakeForm, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	form := r.load(ctx)
	form.Attachments = append([]Attachment{}, files...)
	return form, r.save(ctx, form)
}
