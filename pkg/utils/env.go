package utils

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv 加载 .env 与 .env.<env>，后者覆盖前者
func LoadEnv(env string) error {
	files := []string{".env"}
	if env != "" {
		files = append(files, ".env."+env)
	}
	var loaded bool
	for i, f := range files {
		var err error
		if i == 0 {
			err = godotenv.Load(f)
		} else {
			err = godotenv.Overload(f)
		}
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		loaded = true
	}
	if !loaded {
		return fs.ErrNotExist
	}
	return nil
}

// GetEnv 读取环境变量
func GetEnv(key string) string {
	return os.Getenv(key)
}

// GetIntEnv 读取整型环境变量，解析失败返回 0
func GetIntEnv(key string) int64 {
	return cast.ToInt64(os.Getenv(key))
}

// GetBoolEnv 读取布尔环境变量
func GetBoolEnv(key string) bool {
	return cast.ToBool(os.Getenv(key))
}

// GetFloatEnv 读取浮点环境变量
func GetFloatEnv(key string) float64 {
	return cast.ToFloat64(os.Getenv(key))
}

// GetDurationEnv 读取时长，支持 "3s" 或纯数字(纳秒)
func GetDurationEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
