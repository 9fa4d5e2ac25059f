package classify

import (
	"strings"
	"time"
	"unicode/utf8"

	"OpenBrief/internal/calendar"
	"OpenBrief/internal/mail"
)

// Priority 是分类结果标签。
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

// 判定规则名，用于日志与指标归因。
const (
	RuleLowPriorityPattern = "low-priority-pattern"
	RuleUrgentKeyword      = "urgent-keyword"
	RuleNeedsReply         = "needs-reply"
	RuleShortSubject       = "short-subject"
	RuleAllDay             = "all-day"
	RuleStartingSoon       = "starting-soon"
	RuleMeetingKeyword     = "meeting-keyword"
	RuleDefault            = "default"
)

// upcomingWindow 是“即将开始”判定的时间窗。
const upcomingWindow = 3 * time.Hour

// MessageLabel 是消息分类结果。
type MessageLabel struct {
	Priority   Priority
	NeedsReply bool
	Rule       string
}

// EventLabel 是事件分类结果。
type EventLabel struct {
	Priority Priority
	Rule     string
}

// Classifier 按固定顺序的规则表执行无副作用的确定性分类。
// 相同输入永远得到相同标签。
type Classifier struct {
	rules    RuleSet
	low      []string
	urgent   []string
	request  []string
	auto     []string
	corp     []string
	meeting  []string
	subLimit int
}

// New 构造分类器，规则表在此统一转为小写。
func New(rules RuleSet) *Classifier {
	limit := rules.ShortSubjectLimit
	if limit <= 0 {
		limit = DefaultShortSubjectLimit
	}
	return &Classifier{
		rules:    rules,
		low:      lowerAll(rules.LowPriorityPatterns),
		urgent:   lowerAll(rules.UrgentKeywords),
		request:  lowerAll(rules.RequestKeywords),
		auto:     lowerAll(rules.AutomatedMarkers),
		corp:     lowerAll(rules.CorporateMarkers),
		meeting:  lowerAll(rules.MeetingKeywords),
		subLimit: limit,
	}
}

// ClassifyMessage 对消息执行固定顺序的规则判定，首个命中者生效：
// 低优先模式、紧急关键词、需要回复、短主题启发式，否则为低优先。
func (c *Classifier) ClassifyMessage(msg mail.Message) MessageLabel {
	sender := strings.ToLower(msg.From)
	subject := strings.ToLower(msg.Subject)

	if containsAny(sender, c.low) || containsAny(subject, c.low) {
		return MessageLabel{Priority: PriorityLow, Rule: RuleLowPriorityPattern}
	}
	if containsAny(subject, c.urgent) {
		return MessageLabel{Priority: PriorityHigh, Rule: RuleUrgentKeyword}
	}
	if !containsAny(sender, c.auto) && c.asksForReply(subject) {
		return MessageLabel{Priority: PriorityHigh, NeedsReply: true, Rule: RuleNeedsReply}
	}
	if utf8.RuneCountInString(msg.Subject) < c.subLimit && !containsAny(sender, c.corp) {
		return MessageLabel{Priority: PriorityHigh, Rule: RuleShortSubject}
	}
	return MessageLabel{Priority: PriorityLow, Rule: RuleDefault}
}

// ClassifyEvent 对事件执行固定顺序的规则判定。全天事件一律低优先；
// 距开始不超过 3 小时（含恰好为 0 或 3 小时）为高优先；否则看标题
// 是否命中会议关键词。
func (c *Classifier) ClassifyEvent(event calendar.Event, now time.Time) EventLabel {
	if event.AllDay {
		return EventLabel{Priority: PriorityLow, Rule: RuleAllDay}
	}
	if !event.Start.IsZero() {
		until := event.Start.Sub(now)
		if until >= 0 && until <= upcomingWindow {
			return EventLabel{Priority: PriorityHigh, Rule: RuleStartingSoon}
		}
	}
	if containsAny(strings.ToLower(event.Title), c.meeting) {
		return EventLabel{Priority: PriorityHigh, Rule: RuleMeetingKeyword}
	}
	return EventLabel{Priority: PriorityLow, Rule: RuleDefault}
}

// asksForReply 判断主题是否包含问句或请求类关键词。
func (c *Classifier) asksForReply(subject string) bool {
	if subject == "" {
		return false
	}
	if strings.Contains(subject, "?") || strings.Contains(subject, "？") {
		return true
	}
	return containsAny(subject, c.request)
}

func containsAny(value string, patterns []string) bool {
	if value == "" {
		return false
	}
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func lowerAll(values []string) []string {
	lowered := make([]string, 0, len(values))
	for _, v := range values {
		lowered = append(lowered, strings.ToLower(v))
	}
	return lowered
}
