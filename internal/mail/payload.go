package mail

// Header 是一条原始邮件头。
type Header struct {
	Name  string
	Value string
}

// PartBody 承载单个部件的正文数据，Data 为 base64url 编码文本。
type PartBody struct {
	Data string
	Size int64
}

// Part 是载荷树中的一个部件。提供方返回的载荷可能是单一部件，
// 也可能是任意嵌套的多部件树，解码器不得假设深度上限。
type Part struct {
	MimeType string
	Body     *PartBody
	Parts    []*Part
}

// RawMessage 是提供方返回的完整原始邮件，仅在单次简报运行内存活。
type RawMessage struct {
	ID       string
	ThreadID string
	Snippet  string
	Headers  []Header
	Payload  *Part
}

// Ref 是邮件列表接口返回的消息引用。
type Ref struct {
	ID       string
	ThreadID string
}
