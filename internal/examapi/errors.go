package examapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind 平台调用失败的分类，提交流水线据此决定重试或降级
type ErrorKind int

const (
	KindRetryable ErrorKind = iota
	KindAuthExpired
	KindValidation
	KindAlreadyCompleted
	KindUnrecoverable
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindAuthExpired:
		return "auth_expired"
	case KindValidation:
		return "validation"
	case KindAlreadyCompleted:
		return "already_completed"
	default:
		return "unrecoverable"
	}
}

// APIError 一次平台调用的失败详情
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Op         string
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("examapi: %s failed (%s, status %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("examapi: %s failed (%s): %s", e.Op, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// classifyStatus 按响应码归类
func classifyStatus(op string, status int, body string) *APIError {
	kind := KindUnrecoverable
	switch {
	case status == http.StatusUnauthorized:
		kind = KindAuthExpired
	case status == http.StatusConflict:
		kind = KindAlreadyCompleted
	case status == http.StatusBadRequest && alreadyCompletedBody(body):
		kind = KindAlreadyCompleted
	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		status == http.StatusUnprocessableEntity:
		kind = KindValidation
	case status == http.StatusTooManyRequests:
		kind = KindRetryable
	case status >= http.StatusInternalServerError:
		kind = KindRetryable
	}
	return &APIError{Kind: kind, StatusCode: status, Op: op, Message: strings.TrimSpace(body)}
}

// classifyTransport 网络层失败一律可重试，上下文取消除外
func classifyTransport(op string, err error) *APIError {
	kind := KindRetryable
	if errors.Is(err, context.Canceled) {
		kind = KindUnrecoverable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindRetryable
	}
	return &APIError{Kind: kind, Op: op, Message: err.Error(), cause: err}
}

func alreadyCompletedBody(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "already submitted") || strings.Contains(lower, "already completed")
}

func kindOf(err error) (ErrorKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

func IsRetryable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRetryable
}

func IsAuthExpired(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuthExpired
}

func IsValidation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindValidation
}

func IsAlreadyCompleted(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAlreadyCompleted
}
