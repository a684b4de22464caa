package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/navtalk/ClinicApp/pkg/response"
	"github.com/navtalk/ClinicApp/pkg/utils"
)

var errForbiddenRemote = errors.New("control API is only reachable from the local network")

// LocalOnly 拒绝来自公网地址的请求
func LocalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsInternalIP(c.ClientIP()) {
			response.AbortWithStatusJSON(c, http.StatusForbidden, errForbiddenRemote)
			return
		}
		c.Next()
	}
}
