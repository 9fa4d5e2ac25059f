package classify

import (
	"testing"
	"time"

	"OpenBrief/internal/calendar"
	"OpenBrief/internal/mail"
)

func newTestClassifier() *Classifier {
	return New(DefaultRuleSet())
}

func TestClassifyMessageLowPriorityPatterns(t *testing.T) {
	c := newTestClassifier()
	cases := []struct {
		name    string
		from    string
		subject string
	}{
		{"newsletter sender", "newsletter@example.com", "Weekly Digest"},
		{"no-reply sender", "no-reply@shop.example.com", "Your receipt"},
		{"digest subject", "colleague@company.com", "Engineering Digest #42"},
		{"promo subject", "someone@example.com", "Summer promo inside!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			label := c.ClassifyMessage(mail.Message{From: tc.from, Subject: tc.subject})
			if label.Priority != PriorityLow {
				t.Fatalf("expected low priority, got %s via %s", label.Priority, label.Rule)
			}
			if label.Rule != RuleLowPriorityPattern {
				t.Fatalf("expected low-priority rule, got %s", label.Rule)
			}
		})
	}
}

func TestClassifyMessageLowPriorityBeatsUrgentKeyword(t *testing.T) {
	c := newTestClassifier()
	label := c.ClassifyMessage(mail.Message{From: "newsletter@example.com", Subject: "URGENT sale ends today"})
	if label.Priority != PriorityLow || label.Rule != RuleLowPriorityPattern {
		t.Fatalf("rule order violated: %+v", label)
	}
}

func TestClassifyMessageUrgentKeywords(t *testing.T) {
	c := newTestClassifier()
	cases := []struct {
		name    string
		subject string
	}{
		{"japanese urgent", "至急: 確認お願いします"},
		{"english urgent", "Urgent: server down"},
		{"asap", "Need this ASAP please"},
		{"deadline kanji", "締切のお知らせです、ご対応ください"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			label := c.ClassifyMessage(mail.Message{From: "boss@company.com", Subject: tc.subject})
			if label.Priority != PriorityHigh {
				t.Fatalf("expected high priority, got %s via %s", label.Priority, label.Rule)
			}
			if label.Rule != RuleUrgentKeyword {
				t.Fatalf("expected urgent-keyword rule, got %s", label.Rule)
			}
		})
	}
}

func TestClassifyMessageNeedsReply(t *testing.T) {
	c := newTestClassifier()

	label := c.ClassifyMessage(mail.Message{
		From:    "boss@company.com",
		Subject: "Could you take another look at the budget numbers?",
	})
	if label.Priority != PriorityHigh || !label.NeedsReply {
		t.Fatalf("question from a person must need a reply: %+v", label)
	}

	label = c.ClassifyMessage(mail.Message{
		From:    "tanaka@example.co.jp",
		Subject: "明日の件、スケジュールのご確認をお願いできますでしょうか",
	})
	if label.Priority != PriorityHigh || !label.NeedsReply || label.Rule != RuleNeedsReply {
		t.Fatalf("request keyword from a person must need a reply: %+v", label)
	}

	// 自动发信地址不参与回复判定。
	label = c.ClassifyMessage(mail.Message{
		From:    "bot@company.com",
		Subject: "Can you believe these build times? Full report attached inside",
	})
	if label.NeedsReply {
		t.Fatalf("automated sender must not need a reply: %+v", label)
	}
}

func TestClassifyMessageShortSubjectHeuristic(t *testing.T) {
	c := newTestClassifier()

	label := c.ClassifyMessage(mail.Message{From: "friend@gmail.com", Subject: "Lunch"})
	if label.Priority != PriorityHigh || label.Rule != RuleShortSubject {
		t.Fatalf("short personal subject must be high: %+v", label)
	}

	// 公司/通知类地址抑制短主题启发式。
	label = c.ClassifyMessage(mail.Message{From: "support@service.example.com", Subject: "Hi"})
	if label.Priority != PriorityLow || label.Rule != RuleDefault {
		t.Fatalf("corporate sender must fall through to default: %+v", label)
	}

	// 长主题不触发启发式。
	label = c.ClassifyMessage(mail.Message{
		From:    "friend@gmail.com",
		Subject: "Recap of everything we discussed over the last three weeks",
	})
	if label.Priority != PriorityLow || label.Rule != RuleDefault {
		t.Fatalf("long subject must fall through to default: %+v", label)
	}

	// 阈值按字符数而非字节数计。
	label = c.ClassifyMessage(mail.Message{From: "tanaka@example.co.jp", Subject: "会食の場所について相談"})
	if label.Priority != PriorityHigh || label.Rule != RuleShortSubject {
		t.Fatalf("short Japanese subject must count runes: %+v", label)
	}
}

func TestClassifyMessageEmptyFieldsHitShortSubject(t *testing.T) {
	c := newTestClassifier()
	label := c.ClassifyMessage(mail.Message{})
	if label.Priority != PriorityHigh || label.Rule != RuleShortSubject {
		t.Fatalf("empty subject measures length zero: %+v", label)
	}
}

func TestClassifyMessageIdempotent(t *testing.T) {
	c := newTestClassifier()
	msg := mail.Message{From: "boss@company.com", Subject: "至急: 確認お願いします"}
	first := c.ClassifyMessage(msg)
	for i := 0; i < 10; i++ {
		if got := c.ClassifyMessage(msg); got != first {
			t.Fatalf("classification must be idempotent: %+v vs %+v", first, got)
		}
	}
}

func TestClassifyEventRules(t *testing.T) {
	c := newTestClassifier()
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		event    calendar.Event
		priority Priority
		rule     string
	}{
		{
			"all-day stays low",
			calendar.Event{Title: "Team meeting offsite", AllDay: true, Start: now},
			PriorityLow, RuleAllDay,
		},
		{
			"starts in one hour",
			calendar.Event{Title: "Dentist", Start: now.Add(time.Hour)},
			PriorityHigh, RuleStartingSoon,
		},
		{
			"starts exactly now",
			calendar.Event{Title: "Focus block", Start: now},
			PriorityHigh, RuleStartingSoon,
		},
		{
			"starts exactly at the window edge",
			calendar.Event{Title: "Errand", Start: now.Add(3 * time.Hour)},
			PriorityHigh, RuleStartingSoon,
		},
		{
			"just past the window without keyword",
			calendar.Event{Title: "Lunch", Start: now.Add(3*time.Hour + time.Second)},
			PriorityLow, RuleDefault,
		},
		{
			"five hours out without keyword",
			calendar.Event{Title: "Lunch", Start: now.Add(5 * time.Hour)},
			PriorityLow, RuleDefault,
		},
		{
			"five hours out with meeting keyword",
			calendar.Event{Title: "Team meeting", Start: now.Add(5 * time.Hour)},
			PriorityHigh, RuleMeetingKeyword,
		},
		{
			"japanese meeting keyword",
			calendar.Event{Title: "営業部との打ち合わせ", Start: now.Add(6 * time.Hour)},
			PriorityHigh, RuleMeetingKeyword,
		},
		{
			"already started",
			calendar.Event{Title: "Quiet time", Start: now.Add(-time.Minute)},
			PriorityLow, RuleDefault,
		},
		{
			"zero start without keyword",
			calendar.Event{Title: "Orphan"},
			PriorityLow, RuleDefault,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			label := c.ClassifyEvent(tc.event, now)
			if label.Priority != tc.priority || label.Rule != tc.rule {
				t.Fatalf("expected %s via %s, got %s via %s", tc.priority, tc.rule, label.Priority, label.Rule)
			}
		})
	}
}
