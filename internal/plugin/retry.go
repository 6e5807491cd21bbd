package plugin

import (
	"context"
	"math"
	"time"

	xerrors "DatasetFlow/internal/errors"
)

// Backoff 描述有界指数退避。
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Attempts 是包括首次调用在内的最大尝试次数。
	Attempts int
}

// DefaultBackoff 返回处理器访问外部依赖时的默认退避。
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Attempts: 5}
}

// Delay 返回第 attempt 次失败之后的等待时长，attempt 从 1 开始。
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// interruptPoll 是退避等待期间检查中断标记的间隔。
const interruptPoll = 100 * time.Millisecond

// Retry 在 fn 返回可重试错误时按退避重试，不可重试的错误立即返回。
// 次数耗尽后返回最后一次的错误，由调用方升级为致命错误。
func Retry(ctx context.Context, b Backoff, fn func(attempt int) error) error {
	return RetryUnless(ctx, b, nil, fn)
}

// RetryUnless 与 Retry 相同，但在退避等待期间轮询 stop（通常为 Runtime.Interrupted），
// stop 返回 true 时放弃剩余尝试并返回 ErrInterrupted。
func RetryUnless(ctx context.Context, b Backoff, stop func() bool, fn func(attempt int) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !xerrors.RetryableError(err) || attempt == attempts {
			return err
		}
		if werr := wait(ctx, b.Delay(attempt), stop); werr != nil {
			return werr
		}
	}
	return err
}

func wait(ctx context.Context, d time.Duration, stop func() bool) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var poll <-chan time.Time
	if stop != nil {
		if stop() {
			return ErrInterrupted
		}
		ticker := time.NewTicker(interruptPoll)
		defer ticker.Stop()
		poll = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-poll:
			if stop() {
				return ErrInterrupted
			}
		}
	}
}
