package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Resp is the JSON envelope every non-streaming endpoint answers with.
type Resp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Resp{Code: 0, Message: "ok", Data: data})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, Resp{Code: code, Message: msg, Data: nil})
}
