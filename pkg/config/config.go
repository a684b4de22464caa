package config

import (
	"log"
	"os"
	"time"

	"github.com/navtalk/ClinicApp/pkg/logger"
	"github.com/navtalk/ClinicApp/pkg/utils"
)

// Config 客户端全局配置
type Config struct {
	License      string  `env:"NAVTALK_LICENSE"`
	Character    string  `env:"NAVTALK_CHARACTER"`
	Voice        string  `env:"NAVTALK_VOICE"`
	Model        string  `env:"NAVTALK_MODEL"`
	BaseURL      string  `env:"NAVTALK_BASE_URL"`
	SystemPrompt string  `env:"NAVTALK_SYSTEM_PROMPT"`
	Dialect      string  `env:"SIGNALING_DIALECT"` // multiplexed | split
	VADThreshold float64 `env:"VAD_THRESHOLD"`

	ICEFetchTimeout time.Duration `env:"ICE_FETCH_TIMEOUT"`
	HangupDelay     time.Duration `env:"HANGUP_DELAY"`

	Audio AudioConfig
	Store StoreConfig
	Log   logger.LogConfig

	Addr         string `env:"ADDR"`
	Mode         string `env:"MODE"`
	APIRateLimit string `env:"API_RATE_LIMIT"` // ulule 格式，如 "30-M"
	LocalOnly    bool   `env:"API_LOCAL_ONLY"`
}

// AudioConfig 采集配置
type AudioConfig struct {
	SampleRate int    `env:"AUDIO_SAMPLE_RATE"`
	FrameSize  int    `env:"AUDIO_FRAME_SIZE"`
	InputFile  string `env:"AUDIO_INPUT_FILE"` // 非空时用 WAV 文件替代麦克风
	Playback   bool   `env:"AUDIO_PLAYBACK"`
}

// StoreConfig 本地持久化配置
type StoreConfig struct {
	Kind          string        `env:"STORAGE_KIND"` // memory | local | redis | sql
	Dir           string        `env:"STORAGE_DIR"`
	UploadDir     string        `env:"UPLOAD_DIR"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`
	DBDriver      string        `env:"DB_DRIVER"`
	DSN           string        `env:"DSN"`
	MemoryTTL     time.Duration `env:"MEMORY_TTL"`
}

var GlobalConfig *Config

func Load() error {
	env := os.Getenv("APP_ENV")
	err := utils.LoadEnv(env)
	if err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	GlobalConfig = &Config{
		License:         getStringOrDefault("NAVTALK_LICENSE", ""),
		Character:       getStringOrDefault("NAVTALK_CHARACTER", "navtalk.Leo"),
		Voice:           getStringOrDefault("NAVTALK_VOICE", "verse"),
		Model:           getStringOrDefault("NAVTALK_MODEL", ""),
		BaseURL:         getStringOrDefault("NAVTALK_BASE_URL", "transfer.navtalk.ai"),
		SystemPrompt:    getStringOrDefault("NAVTALK_SYSTEM_PROMPT", defaultPrompt),
		Dialect:         getStringOrDefault("SIGNALING_DIALECT", "multiplexed"),
		VADThreshold:    getFloatOrDefault("VAD_THRESHOLD", 0.5),
		ICEFetchTimeout: getDurationOrDefault("ICE_FETCH_TIMEOUT", 3*time.Second),
		HangupDelay:     getDurationOrDefault("HANGUP_DELAY", 2*time.Second),
		Audio: AudioConfig{
			SampleRate: getIntOrDefault("AUDIO_SAMPLE_RATE", 24000),
			FrameSize:  getIntOrDefault("AUDIO_FRAME_SIZE", 4096),
			InputFile:  getStringOrDefault("AUDIO_INPUT_FILE", ""),
			Playback:   getBoolOrDefault("AUDIO_PLAYBACK", true),
		},
		Store: StoreConfig{
			Kind:          getStringOrDefault("STORAGE_KIND", "local"),
			Dir:           getStringOrDefault("STORAGE_DIR", "./data"),
			UploadDir:     getStringOrDefault("UPLOAD_DIR", "./uploads"),
			RedisAddr:     getStringOrDefault("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getStringOrDefault("REDIS_PASSWORD", ""),
			RedisDB:       getIntOrDefault("REDIS_DB", 0),
			DBDriver:      getStringOrDefault("DB_DRIVER", "sqlite"),
			DSN:           getStringOrDefault("DSN", "./clinic.db"),
			MemoryTTL:     getDurationOrDefault("MEMORY_TTL", 0),
		},
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/clinic.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", true),
		},
		Addr:         getStringOrDefault("ADDR", "127.0.0.1:7080"),
		Mode:         getStringOrDefault("MODE", "development"),
		APIRateLimit: getStringOrDefault("API_RATE_LIMIT", "60-M"),
		LocalOnly:    getBoolOrDefault("API_LOCAL_ONLY", true),
	}
	return nil
}

const defaultPrompt = "You are a friendly clinic intake assistant. Greet the patient, ask about their symptoms, " +
	"and keep answers short and clear."

func getStringOrDefault(key, defaultValue string) string {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return utils.GetBoolEnv(key)
}

func getIntOrDefault(key string, defaultValue int) int {
	value := utils.GetIntEnv(key)
	if value == 0 {
		return defaultValue
	}
	return int(value)
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if utils.GetEnv(key) == "" {
		return defaultValue
	}
	return utils.GetFloatEnv(key)
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if d, ok := utils.GetDurationEnv(key); ok {
		return d
	}
	return defaultValue
}
