// Package calendar 定义简报核心的日历侧：原始事件、规范化实体与
// 日历数据源的抽象契约。
package calendar

import (
	"strings"
	"time"
)

// dateOnlyLayout 是提供方为全天事件给出的日期格式。
const dateOnlyLayout = "2006-01-02"

// RawEvent 是提供方返回的原始日历事件。Start/End 为 RFC3339 时间，
// 全天事件则只有日期。
type RawEvent struct {
	ID       string
	Summary  string
	Start    string
	End      string
	Location string
	Status   string
}

// Event 是规范化后的日历事件。AllDay 为真当且仅当提供方只给出
// 日期而无时刻。
type Event struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Location string    `json:"location,omitempty"`
	AllDay   bool      `json:"all_day"`
}

// Normalize 将原始事件映射为规范化实体。无法解析的时间以零值兜底，
// 映射是全量的，绝不失败。
func Normalize(raw RawEvent, loc *time.Location) Event {
	if loc == nil {
		loc = time.Local
	}
	event := Event{
		ID:       raw.ID,
		Title:    strings.TrimSpace(raw.Summary),
		Location: strings.TrimSpace(raw.Location),
	}
	event.Start, event.AllDay = parseEventTime(raw.Start, loc)
	event.End, _ = parseEventTime(raw.End, loc)
	return event
}

// parseEventTime 解析事件时间，第二个返回值标记是否为仅日期形式。
func parseEventTime(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if len(value) == len(dateOnlyLayout) {
		if t, err := time.ParseInLocation(dateOnlyLayout, value, loc); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, false
	}
	return time.Time{}, false
}
