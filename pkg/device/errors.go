package device

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	KindUnreachable          Kind = "unreachable"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindHandshakeTimeout     Kind = "handshake_timeout"
	KindCommandTimeout       Kind = "command_timeout"
	KindSessionNotFound      Kind = "session_not_found"
	KindChannelStale         Kind = "channel_stale"
	KindTransport            Kind = "transport_error"
	KindWrongService         Kind = "wrong_service"
	KindLimitExceeded        Kind = "limit_exceeded"
)

var (
	ErrUnreachable          = errors.New("target unreachable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrHandshakeTimeout     = errors.New("handshake timeout")
	ErrCommandTimeout       = errors.New("command timeout")
	ErrSessionNotFound      = errors.New("session not found")
	ErrChannelStale         = errors.New("channel stale")
	ErrTransport            = errors.New("transport error")
	ErrWrongService         = errors.New("wrong service on target port")
	ErrLimitExceeded        = errors.New("session limit exceeded")
)

var sentinels = map[Kind]error{
	KindUnreachable:          ErrUnreachable,
	KindAuthenticationFailed: ErrAuthenticationFailed,
	KindHandshakeTimeout:     ErrHandshakeTimeout,
	KindCommandTimeout:       ErrCommandTimeout,
	KindSessionNotFound:      ErrSessionNotFound,
	KindChannelStale:         ErrChannelStale,
	KindTransport:            ErrTransport,
	KindWrongService:         ErrWrongService,
	KindLimitExceeded:        ErrLimitExceeded,
}

// Error 会话子系统错误，errors.Is 可匹配对应的哨兵错误
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

// NewError 构造错误
func NewError(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if s, ok := sentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按分类匹配哨兵错误
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf 提取错误分类，非本包错误返回空
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return ""
}
