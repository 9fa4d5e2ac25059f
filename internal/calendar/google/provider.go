// Package google 基于 Google Calendar API 实现日历数据源。
package google

import (
	"context"
	stdErrors "errors"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"OpenBrief/internal/calendar"
	xerrors "OpenBrief/internal/errors"
)

// DefaultCalendarID 表示当前授权用户的主日历。
const DefaultCalendarID = "primary"

// ReadonlyScope 是拉取日程所需的最小 OAuth2 权限。
const ReadonlyScope = gcal.CalendarReadonlyScope

// Provider 通过 Google Calendar API 拉取事件，实现 calendar.Provider。
type Provider struct {
	service *gcal.Service
}

var _ calendar.Provider = (*Provider)(nil)

// NewProvider 使用携带 OAuth2 凭据的 HTTP 客户端构造日历数据源。
func NewProvider(ctx context.Context, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "HTTP 客户端不能为空")
	}
	service, err := gcal.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建日历服务失败")
	}
	return NewProviderFromService(service), nil
}

// NewProviderFromService 直接包装一个已构造的日历服务，便于测试
// 注入自定义 endpoint。
func NewProviderFromService(service *gcal.Service) *Provider {
	return &Provider{service: service}
}

// ListEvents 按时间窗列出事件。重复事件展开为单次实例并按开始
// 时间排序，已取消的事件在此过滤。
func (p *Provider) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]calendar.RawEvent, error) {
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	resp, err := p.service.Events.List(calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapGoogleError(err, "列出日历事件失败")
	}
	events := make([]calendar.RawEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Status == "cancelled" {
			continue
		}
		events = append(events, toRawEvent(item))
	}
	return events, nil
}

func toRawEvent(item *gcal.Event) calendar.RawEvent {
	raw := calendar.RawEvent{
		ID:       item.Id,
		Summary:  item.Summary,
		Location: item.Location,
		Status:   item.Status,
	}
	raw.Start = eventTime(item.Start)
	raw.End = eventTime(item.End)
	return raw
}

// eventTime 优先取精确时刻，全天事件回落到仅日期。
func eventTime(edt *gcal.EventDateTime) string {
	if edt == nil {
		return ""
	}
	if edt.DateTime != "" {
		return edt.DateTime
	}
	return edt.Date
}

// mapGoogleError 将日历 API 错误映射到统一错误分类，与 Gmail 适配层
// 保持同一口径。
func mapGoogleError(err error, message string) error {
	var apiErr *googleapi.Error
	if stdErrors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return xerrors.Wrap(xerrors.CodeRateLimited, err, message)
		case http.StatusForbidden:
			if hasRateLimitReason(apiErr) {
				return xerrors.Wrap(xerrors.CodeRateLimited, err, message)
			}
			return xerrors.Wrap(xerrors.CodeAuthFailure, err, message)
		case http.StatusUnauthorized:
			return xerrors.Wrap(xerrors.CodeAuthFailure, err, message)
		}
	}
	return xerrors.Wrap(xerrors.CodeSourceUnavailable, err, message)
}

func hasRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
