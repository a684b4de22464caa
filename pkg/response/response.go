package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body 统一响应结构
type Body struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func Success(c *gin.Context, msg string, data any) {
	c.JSON(http.StatusOK, Body{Code: http.StatusOK, Msg: msg, Data: data})
}

// Fail 请求参数或业务错误，data 可为 error
func Fail(c *gin.Context, msg string, data any) {
	FailWithStatus(c, http.StatusBadRequest, msg, data)
}

func FailWithStatus(c *gin.Context, status int, msg string, data any) {
	c.JSON(status, Body{Code: status, Msg: msg, Data: detail(data)})
}

// AbortWithStatusJSON 中断后续处理
func AbortWithStatusJSON(c *gin.Context, status int, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, Body{Code: status, Msg: msg})
}

func detail(data any) any {
	if err, ok := data.(error); ok && err != nil {
		return err.Error()
	}
	return data
}
