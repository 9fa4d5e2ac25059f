package calendar

import (
	"context"
	"time"
)

// Provider 抽象日历数据源。已取消的事件由实现方过滤，不进入核心。
type Provider interface {
	// ListEvents 返回给定时间窗内的原始事件。
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]RawEvent, error)
}
