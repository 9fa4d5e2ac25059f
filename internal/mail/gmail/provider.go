// Package gmail 基于 Gmail API 实现邮件数据源。
package gmail

import (
	"context"
	stdErrors "errors"
	"net/http"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	xerrors "OpenBrief/internal/errors"
	"OpenBrief/internal/mail"
)

// DefaultUser 表示当前授权用户自身的邮箱。
const DefaultUser = "me"

// ReadonlyScope 是拉取邮件所需的最小 OAuth2 权限。
const ReadonlyScope = gmail.GmailReadonlyScope

// Provider 通过 Gmail API 拉取邮件，实现 mail.Provider。
type Provider struct {
	service *gmail.Service
	user    string
}

var _ mail.Provider = (*Provider)(nil)

// NewProvider 使用携带 OAuth2 凭据的 HTTP 客户端构造 Gmail 数据源
// （凭据由 internal/auth 的会话提供）。
func NewProvider(ctx context.Context, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "HTTP 客户端不能为空")
	}
	service, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Gmail 服务失败")
	}
	return NewProviderFromService(service, DefaultUser), nil
}

// NewProviderFromService 直接包装一个已构造的 Gmail 服务，便于测试
// 注入自定义 endpoint。
func NewProviderFromService(service *gmail.Service, user string) *Provider {
	if user == "" {
		user = DefaultUser
	}
	return &Provider{service: service, user: user}
}

// ListMessages 列出匹配查询的消息引用。
func (p *Provider) ListMessages(ctx context.Context, query string, maxResults int64) ([]mail.Ref, error) {
	call := p.service.Users.Messages.List(p.user).Context(ctx)
	if query != "" {
		call = call.Q(query)
	}
	if maxResults > 0 {
		call = call.MaxResults(maxResults)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, mapGoogleError(err, "列出邮件失败")
	}
	refs := make([]mail.Ref, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if msg == nil {
			continue
		}
		refs = append(refs, mail.Ref{ID: msg.Id, ThreadID: msg.ThreadId})
	}
	return refs, nil
}

// GetMessage 拉取完整消息并转换为核心的原始载荷结构。
func (p *Provider) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	msg, err := p.service.Users.Messages.Get(p.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleError(err, "拉取邮件失败")
	}
	return toRawMessage(msg), nil
}

func toRawMessage(msg *gmail.Message) *mail.RawMessage {
	if msg == nil {
		return nil
	}
	raw := &mail.RawMessage{ID: msg.Id, ThreadID: msg.ThreadId, Snippet: msg.Snippet}
	if msg.Payload != nil {
		raw.Headers = make([]mail.Header, 0, len(msg.Payload.Headers))
		for _, h := range msg.Payload.Headers {
			if h == nil {
				continue
			}
			raw.Headers = append(raw.Headers, mail.Header{Name: h.Name, Value: h.Value})
		}
		raw.Payload = toPart(msg.Payload)
	}
	return raw
}

func toPart(part *gmail.MessagePart) *mail.Part {
	if part == nil {
		return nil
	}
	converted := &mail.Part{MimeType: part.MimeType}
	if part.Body != nil && part.Body.Data != "" {
		converted.Body = &mail.PartBody{Data: part.Body.Data, Size: part.Body.Size}
	}
	for _, child := range part.Parts {
		if sub := toPart(child); sub != nil {
			converted.Parts = append(converted.Parts, sub)
		}
	}
	return converted
}

// mapGoogleError 将 Gmail API 错误映射到统一错误分类。429 与带限流
// 原因的 403 视为限流，401/403 视为鉴权失败，其余归为数据源不可用。
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
