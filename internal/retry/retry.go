package retry

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenBrief/internal/errors"
	"OpenBrief/pkg/logger"
)

// 默认策略：最多重试 3 次，基础退避 1 秒，依次等待 1s/2s/4s。
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Operation 表示一次远端调用。返回值通过闭包捕获。
type Operation func(ctx context.Context) error

// SleepFunc 在两次尝试之间等待，ctx 取消时应立即返回 ctx.Err()。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy 对远端调用施加指数退避重试。只有错误码标记为可重试的
// 失败（如 RATE_LIMITED）才会重试；鉴权失败等致命错误立即返回。
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	sleep      SleepFunc
	onRetry    func(attempt int, err error)
	log        *slog.Logger
}

// Option 调整重试策略。
type Option func(*Policy)

// WithMaxRetries 设置重试次数上限（不含首次调用）。
func WithMaxRetries(n int) Option {
	return func(p *Policy) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithBaseDelay 设置首次重试前的基础等待时长。
func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.baseDelay = d
		}
	}
}

// WithSleep 替换等待实现，测试用。
func WithSleep(fn SleepFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithOnRetry 注册重试回调，用于指标上报。attempt 从 1 开始计数。
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(p *Policy) {
		p.onRetry = fn
	}
}

// WithLogger 覆盖默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(p *Policy) {
		if log != nil {
			p.log = log
		}
	}
}

// New 构造重试策略。
func New(opts ...Option) *Policy {
	p := &Policy{
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.log == nil {
		p.log = logger.Named("retry")
	}
	return p
}

// Do 执行 op。失败且可重试时按 baseDelay*2^attempt 退避后再试；
// 重试耗尽后原样返回最后一次的错误，不做包装。
func (p *Policy) Do(ctx context.Context, op Operation) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !xerrors.RetryableError(lastErr) {
			return lastErr
		}
		if attempt >= p.maxRetries {
			return lastErr
		}
		delay := p.baseDelay << uint(attempt)
		p.log.DebugContext(ctx, "retrying after backoff",
			"attempt", attempt+1,
			"delay", delay.String(),
			"code", string(xerrors.CodeOf(lastErr)))
		if p.onRetry != nil {
			p.onRetry(attempt+1, lastErr)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// MaxRetries 返回重试次数上限。
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// BaseDelay 返回基础退避时长。
func (p *Policy) BaseDelay() time.Duration {
	return p.baseDelay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
