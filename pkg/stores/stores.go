package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/navtalk/ClinicApp/pkg/config"
	"go.uber.org/zap"
)

const (
	KindMemory = "memory"
	KindLocal  = "local"
	KindRedis  = "redis"
	KindSQL    = "sql"
)

var (
	ErrInvalidPath = errors.New("stores: invalid path")
	ErrInvalidKey  = errors.New("stores: invalid key")
)

// KV 文本键值存储，持久化状态以 JSON 文本保存在固定键下
type KV interface {
	// Get 键不存在时 ok 为 false
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open 按 cfg.Kind 创建后端，未知类型回退到 local
func Open(cfg config.StoreConfig, logger *zap.Logger) (KV, error) {
	if logger == nil {
		logger = zap.L()
	}
	kind := strings.ToLower(cfg.Kind)
	var (
		kv  KV
		err error
	)
	switch kind {
	case KindMemory:
		kv = NewMemoryKV(cfg.MemoryTTL)
	case KindRedis:
		kv, err = NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case KindSQL:
		kv, err = NewSQLKV(cfg.DBDriver, cfg.DSN)
	case KindLocal, "":
		kind = KindLocal
		kv, err = NewLocalKV(cfg.Dir)
	default:
		logger.Warn("unknown storage kind, using local", zap.String("kind", cfg.Kind))
		kind = KindLocal
		kv, err = NewLocalKV(cfg.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", kind, err)
	}
	logger.Info("storage opened", zap.String("kind", kind))
	return kv, nil
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return ErrInvalidKey
	}
	return nil
}

// resolve 将 key 限定在 root 之下
func resolve(root, key string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	fname := filepath.Clean(filepath.Join(abs, key))
	if fname != abs && !strings.HasPrefix(fname, abs+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return fname, nil
}
