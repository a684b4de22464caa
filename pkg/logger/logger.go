package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`    // 单个文件最大尺寸(MB)
	MaxAge     int    `env:"LOG_MAX_AGE"`     // 保留天数
	MaxBackups int    `env:"LOG_MAX_BACKUPS"` // 保留文件数
	Daily      bool   `env:"LOG_DAILY"`       // 按天切分文件名
}

// Lg 全局日志实例，未初始化时为 Nop
var Lg = zap.NewNop()

// helper 跳过包装函数本身的调用栈
var helper = Lg

// Init 初始化日志，development 模式下同时输出到控制台
func Init(cfg *LogConfig, mode string) error {
	level := new(zapcore.Level)
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		*level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "time"
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core
	if cfg.Filename != "" {
		if dir := filepath.Dir(cfg.Filename); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		writer := &lumberjack.Logger{
			Filename:   fileName(cfg),
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(writer), level))
	}
	if mode == "development" || len(cores) == 0 {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level))
	}

	Lg = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	helper = Lg.WithOptions(zap.AddCallerSkip(1))
	zap.ReplaceGlobals(Lg)
	return nil
}

func fileName(cfg *LogConfig) string {
	if !cfg.Daily {
		return cfg.Filename
	}
	ext := filepath.Ext(cfg.Filename)
	base := strings.TrimSuffix(cfg.Filename, ext)
	return base + "-" + time.Now().Format("2006-01-02") + ext
}

func Debug(msg string, fields ...zap.Field) { helper.Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { helper.Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { helper.Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { helper.Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { helper.Fatal(msg, fields...) }

// Sync 刷新缓冲
func Sync() error { return Lg.Sync() }
