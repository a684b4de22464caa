package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mssola/user_agent"
	"go.uber.org/zap"
)

// LoggerMiddleware 请求日志中间件
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		method := c.Request.Method

		c.Next()

		// 监控和静态资源路径、普通 GET 请求不记录
		if skipPath(path) || (method == "GET" && c.Writer.Status() < 400) {
			return
		}

		ua := user_agent.New(c.Request.UserAgent())
		browser, version := ua.Browser()
		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.String("browser", strings.TrimSpace(browser+" "+version)),
			zap.String("os", ua.OS()),
			zap.Bool("bot", ua.Bot()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("Request", fields...)
	}
}

func skipPath(path string) bool {
	return strings.Contains(path, "/metrics") ||
		strings.Contains(path, "/uploads") ||
		strings.Contains(path, "/favicon.ico")
}
