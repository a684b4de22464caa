package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/navtalk/ClinicApp/pkg/response"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimit 按客户端 IP 限流，rate 为 ulule 格式，如 "60-M"
func RateLimit(rate string) (gin.HandlerFunc, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, err
	}
	instance := limiter.New(memory.NewStore(), r)
	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			response.AbortWithStatusJSON(c, http.StatusTooManyRequests, nil)
		}),
	), nil
}
