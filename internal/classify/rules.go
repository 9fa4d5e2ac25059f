// Package classify 实现简报核心的确定性优先级分类。规则表可注入、
// 可由 YAML 文件覆盖，运行期只读。
package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	xerrors "OpenBrief/internal/errors"
)

// DefaultShortSubjectLimit 是“短主题”启发式的字符数阈值。
const DefaultShortSubjectLimit = 30

// RuleSet 聚合消息与事件分类所需的全部规则表。
type RuleSet struct {
	// LowPriorityPatterns 命中发件人或主题即判定为低优先（批量、
	// 营销、自动通知类邮件）。
	LowPriorityPatterns []string `yaml:"low_priority_patterns"`
	// UrgentKeywords 命中主题即判定为高优先。
	UrgentKeywords []string `yaml:"urgent_keywords"`
	// RequestKeywords 与问号一起构成“需要回复”的判定依据。
	RequestKeywords []string `yaml:"request_keywords"`
	// AutomatedMarkers 标记自动发信地址，此类邮件不参与回复判定。
	AutomatedMarkers []string `yaml:"automated_markers"`
	// CorporateMarkers 标记公司/通知类地址，抑制短主题启发式。
	CorporateMarkers []string `yaml:"corporate_markers"`
	// MeetingKeywords 命中事件标题即判定为高优先。
	MeetingKeywords []string `yaml:"meeting_keywords"`
	// ShortSubjectLimit 为短主题启发式的阈值，按字符计。
	ShortSubjectLimit int `yaml:"short_subject_limit"`
}

// DefaultRuleSet 返回内置规则表，含英文与日文关键词。
func DefaultRuleSet() RuleSet {
	return RuleSet{
		LowPriorityPatterns: []string{
			"no-reply", "noreply", "do-not-reply", "donotreply",
			"newsletter", "digest", "notification", "marketing",
			"promo", "campaign", "mailer-daemon", "bounce",
			"unsubscribe", "メールマガジン", "配信",
		},
		UrgentKeywords: []string{
			"urgent", "important", "asap", "action required", "deadline",
			"至急", "緊急", "重要", "締切", "期限",
		},
		RequestKeywords: []string{
			"please", "request", "confirm", "could you", "can you",
			"お願い", "ご確認", "確認", "依頼", "ください",
		},
		AutomatedMarkers: []string{
			"no-reply", "noreply", "do-not-reply", "donotreply",
			"mailer-daemon", "bounce", "auto@", "bot@", "system@",
			"daemon", "automated",
		},
		CorporateMarkers: []string{
			"support@", "info@", "sales@", "billing@", "admin@",
			"service@", "contact@", "help@", "team@", "news@",
		},
		MeetingKeywords: []string{
			"meeting", "sync", "standup", "stand-up", "1:1", "1on1",
			"one-on-one", "interview", "review", "mtg",
			"会議", "打ち合わせ", "打合せ", "面談", "面接", "ミーティング",
		},
		ShortSubjectLimit: DefaultShortSubjectLimit,
	}
}

// LoadRuleSet 从 YAML 文件读取规则表，未给出的字段保留内置默认值。
func LoadRuleSet(path string) (RuleSet, error) {
	rules := DefaultRuleSet()
	if path == "" {
		return rules, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return rules, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("读取规则文件 %s 失败", path))
	}
	var overlay RuleSet
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return rules, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析规则文件失败")
	}
	rules.merge(overlay)
	return rules, nil
}

// merge 用覆盖集中非空的字段替换默认值。
func (r *RuleSet) merge(overlay RuleSet) {
	if len(overlay.LowPriorityPatterns) > 0 {
		r.LowPriorityPatterns = overlay.LowPriorityPatterns
	}
	if len(overlay.UrgentKeywords) > 0 {
		r.UrgentKeywords = overlay.UrgentKeywords
	}
	if len(overlay.RequestKeywords) > 0 {
		r.RequestKeywords = overlay.RequestKeywords
	}
	if len(overlay.AutomatedMarkers) > 0 {
		r.AutomatedMarkers = overlay.AutomatedMarkers
	}
	if len(overlay.CorporateMarkers) > 0 {
		r.CorporateMarkers = overlay.CorporateMarkers
	}
	if len(overlay.MeetingKeywords) > 0 {
		r.MeetingKeywords = overlay.MeetingKeywords
	}
	if overlay.ShortSubjectLimit > 0 {
		r.ShortSubjectLimit = overlay.ShortSubjectLimit
	}
}
