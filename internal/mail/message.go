package mail

import "strings"

// Message 是规范化后的邮件实体，构造后不再修改。
// Body 一定是纯文本，标记已剥离。
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Date     string `json:"date"`
	Snippet  string `json:"snippet"`
	Body     string `json:"body"`
}

// Normalize 将原始邮件映射为规范化实体。映射是全量的：缺失字段
// 填充空串，绝不失败。
func Normalize(raw *RawMessage) Message {
	if raw == nil {
		return Message{Body: PlaceholderBody}
	}
	return Message{
		ID:       raw.ID,
		ThreadID: raw.ThreadID,
		From:     HeaderValue(raw.Headers, "From"),
		Subject:  HeaderValue(raw.Headers, "Subject"),
		Date:     HeaderValue(raw.Headers, "Date"),
		Snippet:  raw.Snippet,
		Body:     DecodeBody(raw.Payload),
	}
}

// HeaderValue 大小写不敏感地查找首个同名邮件头，缺失时返回空串。
func HeaderValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return strings.TrimSpace(h.Value)
		}
	}
	return ""
}
