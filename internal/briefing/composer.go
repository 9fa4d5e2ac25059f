package briefing

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"OpenBrief/internal/calendar"
	"OpenBrief/internal/classify"
	"OpenBrief/internal/mail"
)

// 渲染常量。截断按字符计数，超限时补 "..."。
const (
	maxReportMessages = 5
	subjectRuneLimit  = 40
	senderRuneLimit   = 60
	snippetRuneLimit  = 100
	busyDayThreshold  = 5
)

// 缺失字段的展示占位。
const (
	displayNoSubject = "（无主题）"
	displayNoSender  = "（未知发件人）"
	displayNoTitle   = "（未命名日程）"
	displayAllDay    = "全天"
	displayNone      = "（无）"
)

const closingLine = "以上，祝今天顺利。"

// ClassifiedMessage 是带分类标签的归一化消息。
type ClassifiedMessage struct {
	Message mail.Message
	Label   classify.MessageLabel
}

// ClassifiedEvent 是带分类标签的归一化事件。
type ClassifiedEvent struct {
	Event calendar.Event
	Label classify.EventLabel
}

// ReportInput 聚合渲染一份简报所需的全部数据。HighMessages 与
// HighEvents 只含高优先条目并保持调用方给定的顺序；Total 计数
// 覆盖全部条目，提示段依据它们判断。
type ReportInput struct {
	Date          time.Time
	HighMessages  []ClassifiedMessage
	TotalMessages int
	ReplyNeeded   int
	HighEvents    []ClassifiedEvent
	TotalEvents   int
}

// ComposeReport 渲染固定格式的简报文本。章节顺序固定：日期头、
// 邮件、日程、按需出现的提示段、结束语。相同输入与日期得到
// 字节一致的输出。
func ComposeReport(in ReportInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "每日简报 %s\n\n", in.Date.Format("2006-01-02 (Mon)"))

	shown := len(in.HighMessages)
	if shown > maxReportMessages {
		shown = maxReportMessages
	}
	fmt.Fprintf(&sb, "【重要邮件】(%d/%d)\n", shown, in.TotalMessages)
	if len(in.HighMessages) == 0 {
		sb.WriteString(displayNone + "\n")
	} else {
		for i, item := range in.HighMessages[:shown] {
			writeMessageEntry(&sb, i+1, item)
		}
		if rest := len(in.HighMessages) - shown; rest > 0 {
			fmt.Fprintf(&sb, "（另有 %d 封高优先邮件未列出）\n", rest)
		}
	}
	sb.WriteString("\n")

	sb.WriteString("【重要日程】\n")
	if len(in.HighEvents) == 0 {
		sb.WriteString(displayNone + "\n")
	} else {
		for _, item := range in.HighEvents {
			writeEventEntry(&sb, item.Event)
		}
	}

	if hints := composeHints(in); len(hints) > 0 {
		sb.WriteString("\n【提示】\n")
		for _, hint := range hints {
			sb.WriteString("- " + hint + "\n")
		}
	}

	sb.WriteString("\n" + closingLine + "\n")
	return sb.String()
}

func writeMessageEntry(sb *strings.Builder, index int, item ClassifiedMessage) {
	subject := truncateRunes(item.Message.Subject, subjectRuneLimit)
	if subject == "" {
		subject = displayNoSubject
	}
	marker := ""
	if item.Label.NeedsReply {
		marker = "[需回复] "
	}
	fmt.Fprintf(sb, "%d. %s%s\n", index, marker, subject)

	sender := truncateRunes(item.Message.From, senderRuneLimit)
	if sender == "" {
		sender = displayNoSender
	}
	fmt.Fprintf(sb, "   来自: %s\n", sender)

	if snippet := truncateRunes(item.Message.Snippet, snippetRuneLimit); snippet != "" {
		fmt.Fprintf(sb, "   %s\n", snippet)
	}
}

func writeEventEntry(sb *strings.Builder, event calendar.Event) {
	var when string
	switch {
	case event.AllDay:
		when = displayAllDay
	case event.Start.IsZero():
		when = "--:--"
	default:
		when = event.Start.Format("15:04")
	}
	title := event.Title
	if title == "" {
		title = displayNoTitle
	}
	if event.Location != "" {
		fmt.Fprintf(sb, "- %s %s（%s）\n", when, title, event.Location)
		return
	}
	fmt.Fprintf(sb, "- %s %s\n", when, title)
}

// composeHints 计算提示段内容。日程偏多与待回复邮件各占一条，
// 两者皆无时整段省略。
func composeHints(in ReportInput) []string {
	var hints []string
	if in.TotalEvents >= busyDayThreshold {
		hints = append(hints, fmt.Sprintf("今日共有 %d 条日程，请注意安排时间。", in.TotalEvents))
	}
	if in.ReplyNeeded > 0 {
		hints = append(hints, fmt.Sprintf("有 %d 封邮件需要回复。", in.ReplyNeeded))
	}
	return hints
}

// truncateRunes 截断到 limit 个字符，发生截断时追加省略号。
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
