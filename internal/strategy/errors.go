package strategy

import (
	"errors"
	"fmt"
)

// ErrTimeout 表示网络请求未能在 NetworkTimeout 内完成。
var ErrTimeout = errors.New("network timeout")

// TransportError 表示传输层失败（fetch 报错或超时）。HTTP 非 2xx 状态不属于此类。
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport 判断 err 是否为传输层失败。
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
