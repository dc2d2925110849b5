package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Codes follow HTTP status semantics so the HTTP surface can reuse them.
const (
	CodeInvalidArgument      = 400
	CodeAuthenticationFailed = 401
	CodeAccessDenied         = 403
	CodeNotFound             = 404
	CodeTypeMismatch         = 409
	CodeInternal             = 500
	CodeBrokerUnavailable    = 503
)

var (
	ErrInvalidArgument      = NewCodeError(CodeInvalidArgument, "Invalid argument")
	ErrAuthenticationFailed = NewCodeError(CodeAuthenticationFailed, "Authentication failed")
	ErrAccessDenied         = NewCodeError(CodeAccessDenied, "Access denied")
	ErrNotFound             = NewCodeError(CodeNotFound, "Not found")
	ErrTypeMismatch         = NewCodeError(CodeTypeMismatch, "Value is not numeric")
	ErrInternal             = NewCodeError(CodeInternal, "Internal error")
	ErrBrokerUnavailable    = NewCodeError(CodeBrokerUnavailable, "Broker unavailable")
)

// CodeError is the error taxonomy shared by every component. Msg is safe to
// show to clients; Detail is for logs only.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// WithMessage returns a copy with a different client-facing message.
func (e *CodeError) WithMessage(msg string) *CodeError {
	c := e.clone()
	c.Msg = msg
	return c
}

// WithDetail returns a copy with detail appended.
func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

// WrapMsg returns a copy carrying msg/kv as detail plus a stack trace.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	c := e.clone()
	if msg != "" || len(kv) > 0 {
		c = c.WithDetail(toString(msg, kv))
	}
	return pkgerrors.WithStack(c)
}

// Is matches any CodeError with the same code, so errors.Is works against the
// package sentinels after WithMessage/WithDetail/WrapMsg.
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return t.Code == e.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Wrap attaches cause to a code error; errors.Is matches both the code and the cause.
func Wrap(code *CodeError, cause error, msg string) error {
	if cause == nil {
		return code.WrapMsg(msg)
	}
	c := code.clone()
	if msg != "" {
		c.Detail = msg
	}
	return &wrapped{CodeError: c, cause: cause}
}

type wrapped struct {
	*CodeError
	cause error
}

func (w *wrapped) Error() string { return w.CodeError.Error() + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() []error {
	return []error{w.CodeError, w.cause}
}

// Code returns the code of the first CodeError in err's chain, or CodeInternal.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// PublicMessage returns the client-safe message for err. Errors outside the
// taxonomy never leak their text.
func PublicMessage(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Msg
	}
	return ErrInternal.Msg
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprint(kv[i]))
		b.WriteString("=")
		if i+1 < len(kv) {
			b.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}
