package mail

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// PlaceholderBody 在载荷树中找不到任何可读正文时返回。
const PlaceholderBody = "(No readable body content)"

// maxPartDepth 限制载荷树的递归深度，超出的部件直接忽略。
const maxPartDepth = 10

var (
	brTagPattern      = regexp.MustCompile(`(?i)<br\b[^>]*>`)
	blockClosePattern = regexp.MustCompile(`(?i)</\s*(?:p|div)\s*>`)
	anyTagPattern     = regexp.MustCompile(`<[^>]*>`)
	newlineRunPattern = regexp.MustCompile(`\n{3,}`)

	entityReplacer = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
)

// DecodeBody 从载荷树中提取可读正文。优先取纯文本部件，仅在没有
// 非空纯文本时回落到剥离标记后的 HTML；两者皆无时返回占位文本。
func DecodeBody(payload *Part) string {
	text := decodePart(payload, 0)
	if strings.TrimSpace(text) == "" {
		return PlaceholderBody
	}
	return text
}

// decodePart 深度优先遍历部件树。嵌套容器一旦产出非空文本立即返回；
// 同层部件则记录首个可解码的纯文本与 HTML，扫描结束后按偏好取值。
func decodePart(part *Part, depth int) string {
	if part == nil || depth > maxPartDepth {
		return ""
	}

	if part.Body != nil && part.Body.Data != "" {
		text, err := decodeBase64URL(part.Body.Data)
		if err != nil {
			return ""
		}
		if isMarkup(part.MimeType) {
			return stripMarkup(text)
		}
		return text
	}

	var plainText, markupText string
	for _, child := range part.Parts {
		if child == nil {
			continue
		}
		if len(child.Parts) > 0 {
			if text := decodePart(child, depth+1); strings.TrimSpace(text) != "" {
				return text
			}
			continue
		}
		if child.Body == nil || child.Body.Data == "" {
			// 没有正文数据的部件跳过，不视为错误。
			continue
		}
		switch {
		case isPlainText(child.MimeType) && plainText == "":
			if text, err := decodeBase64URL(child.Body.Data); err == nil {
				plainText = text
			}
		case isMarkup(child.MimeType) && markupText == "":
			if text, err := decodeBase64URL(child.Body.Data); err == nil {
				markupText = text
			}
		}
	}
	if plainText != "" {
		return plainText
	}
	if markupText != "" {
		return stripMarkup(markupText)
	}
	return ""
}

// decodeBase64URL 按 URL 安全字母表解码，兼容有无填充两种形式。
func decodeBase64URL(data string) (string, error) {
	trimmed := strings.TrimRight(data, "=")
	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EncodeBody 以 URL 安全字母表编码正文，供测试与适配层使用。
func EncodeBody(text string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(text))
}

// stripMarkup 将 HTML 转换为可读纯文本：换行类标签转为换行符，
// 其余标签移除，解码五个常见实体，压缩连续空行并去除首尾空白。
func stripMarkup(text string) string {
	text = brTagPattern.ReplaceAllString(text, "\n")
	text = blockClosePattern.ReplaceAllString(text, "\n")
	text = anyTagPattern.ReplaceAllString(text, "")
	text = entityReplacer.Replace(text)
	text = newlineRunPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func isPlainText(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "text/plain")
}

func isMarkup(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "text/html")
}
