package handler

import (
	"net/http"
	"strings"

	"github.com/sshcollectorpro/devterm/pkg/device"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusForKind 错误分类到 HTTP 状态码
func statusForKind(kind device.Kind) int {
	switch kind {
	case device.KindSessionNotFound:
		return http.StatusNotFound
	case device.KindLimitExceeded:
		return http.StatusTooManyRequests
	case device.KindCommandTimeout, device.KindHandshakeTimeout:
		return http.StatusGatewayTimeout
	case device.KindUnreachable, device.KindAuthenticationFailed, device.KindWrongService,
		device.KindChannelStale, device.KindTransport:
		return http.StatusBadGateway
	case "":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// codeForKind 错误分类到响应码，未分类视为参数错误
func codeForKind(kind device.Kind) string {
	if kind == "" {
		return "INVALID_PARAMS"
	}
	return strings.ToUpper(string(kind))
}
