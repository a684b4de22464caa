package records

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	gonanoid "github.com/matoous/go-nanoid"
	"github.com/navtalk/ClinicApp/pkg/stores"
	"go.uber.org/zap"
)

const TranscriptKey = "clinic.transcript"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry 一条对话记录，创建后不可变
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEntry 生成带唯一 ID 的记录
func NewEntry(role Role, content string) Entry {
	id, err := gonanoid.Nanoid()
	if err != nil {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return Entry{ID: id, Role: role, Content: content, CreatedAt: time.Now()}
}

// TranscriptRepository 对话记录的持久化
type TranscriptRepository struct {
	kv     stores.KV
	logger *zap.Logger
	mu     sync.Mutex
}

func NewTranscriptRepository(kv stores.KV, logger *zap.Logger) *TranscriptRepository {
	if logger == nil {
		logger = zap.L()
	}
	return &TranscriptRepository{kv: kv, logger: logger}
}

// Load 不存在或解析失败时返回空列表
func (r *TranscriptRepository) Load(ctx context.Context) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

func (r *TranscriptRepository) load(ctx context.Context) []Entry {
	raw, ok, err := r.kv.Get(ctx, TranscriptKey)
	if err != nil {
		r.logger.Warn("load transcript failed", zap.Error(err))
		return []Entry{}
	}
	if !ok || raw == "" {
		return []Entry{}
	}
	var entries []Entry
	if err := sonic.UnmarshalString(raw, &entries); err != nil {
		r.logger.Warn("stored transcript is corrupt, starting empty", zap.Error(err))
		return []Entry{}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}

func (r *TranscriptRepository) Save(ctx context.Context, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, entries)
}

func (r *TranscriptRepository) save(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := sonic.MarshalString(entries)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	return r.kv.Set(ctx, TranscriptKey, raw)
}

// Append 追加一条并整体写回
func (r *TranscriptRepository) Append(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.load(ctx)
	return r.save(ctx, append(entries, e))
}

func (r *TranscriptRepository) Clear(ctx context.Context) error {
	return r.Save(ctx, []Entry{})
}
