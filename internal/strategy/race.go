package strategy

import (
	"context"
	"time"
)

// Race 返回 op 与 timeout 中先完成的一方。
//
// op 运行在独立 goroutine 上，使用脱离取消的 context：超时或调用方取消后 op 不会被中止，
// 它会在后台继续执行直至结束，结果被丢弃。timeout<=0 时直接同步执行 op。
func Race[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		val, err := op(detached)
		done <- outcome{val: val, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case res := <-done:
		return res.val, res.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
