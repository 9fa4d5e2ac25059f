package mail

import "context"

// Provider 抽象邮件数据源。查询语法对核心不透明，由具体实现解释
// （例如 Gmail 的 "is:unread"）。
type Provider interface {
	// ListMessages 返回匹配查询的消息引用，数量受 maxResults 限制。
	ListMessages(ctx context.Context, query string, maxResults int64) ([]Ref, error)
	// GetMessage 拉取单条消息的完整原始载荷。
	GetMessage(ctx context.Context, id string) (*RawMessage, error)
}
