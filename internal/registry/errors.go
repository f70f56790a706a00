package registry

import (
	"errors"
	"fmt"
)

// 对外错误分类，HTTP 层只依赖这几个哨兵值做状态码映射。
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("packages cannot be overwritten in secure mode")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAlreadyInitialized  = errors.New("registry has been already initialized")
)

// upstreamUnavailable 同时匹配 ErrUpstreamUnavailable 与 ErrNotFound。
type upstreamUnavailable struct {
	cause error
}

func (e *upstreamUnavailable) Error() string {
	return fmt.Sprintf("%v: %v", ErrUpstreamUnavailable, e.cause)
}

func (e *upstreamUnavailable) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, ErrNotFound, e.cause}
}

func wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
