package apierrors

import (
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
)

// Code 表示统一业务错误码。
type Code string

const (
	CodeMalformedInput        Code = "MALFORMED_INPUT"
	CodeUnsignableTransaction Code = "UNSIGNABLE_TRANSACTION"
	CodeRetryLater            Code = "RETRY_LATER"
	CodeUnavailable           Code = "UNAVAILABLE"
	CodeInternal              Code = "INTERNAL"
)

var httpStatusMap = map[Code]int{
	CodeMalformedInput:        400,
	CodeUnsignableTransaction: 400,
	CodeRetryLater:            429,
	CodeUnavailable:           503,
	CodeInternal:              500,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeMalformedInput:        codes.InvalidArgument,
	CodeUnsignableTransaction: codes.FailedPrecondition,
	CodeRetryLater:            codes.ResourceExhausted,
	CodeUnavailable:           codes.Unavailable,
	CodeInternal:              codes.Internal,
}

// 错误正文中的类别前缀。
var categoryMap = map[Code]string{
	CodeMalformedInput:        "malformed input",
	CodeUnsignableTransaction: "invalid transaction",
	CodeRetryLater:            "retry later",
	CodeUnavailable:           "unavailable",
	CodeInternal:              "internal error",
}

// Error 表示带统一错误码的业务错误。
type Error struct {
	Code       Code
	Message    string
	retryAfter time.Duration
}

// New 创建一个新的业务错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Malformed 创建输入格式错误。
func Malformed(err error) *Error {
	return New(CodeMalformedInput, err.Error())
}

// Unsignable 创建交易无法签名错误。
func Unsignable(err error) *Error {
	return New(CodeUnsignableTransaction, err.Error())
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Describe 返回 "<类别>: <消息>" 形式的对外错误文本。
func (e *Error) Describe() string {
	if e == nil {
		return ""
	}
	category := Category(e.Code)
	if e.Message == "" {
		return category
	}
	return category + ": " + e.Message
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// CodeFromGRPC 把 gRPC code 还原为统一错误码，未知 code 归为 INTERNAL。
func CodeFromGRPC(c codes.Code) Code {
	for code, grpcCode := range grpcStatusMap {
		if grpcCode == c {
			return code
		}
	}
	return CodeInternal
}

// Category 返回错误码对应的类别，未知错误归为内部错误。
func Category(code Code) string {
	if category, ok := categoryMap[code]; ok {
		return category
	}
	return categoryMap[CodeInternal]
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	return code == CodeRetryLater || code == CodeUnavailable
}
