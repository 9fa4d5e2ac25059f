package briefing

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"OpenBrief/internal/calendar"
	"OpenBrief/internal/classify"
	xerrors "OpenBrief/internal/errors"
	"OpenBrief/internal/mail"
	"OpenBrief/internal/notify"
	"OpenBrief/internal/retry"
	"OpenBrief/internal/storage/mysql"
)

// 所有用例共用的固定时钟：简报日 2026-03-14 早上八点。
var fixedNow = time.Date(2026, time.March, 14, 8, 0, 0, 0, time.UTC)

type stubMailProvider struct {
	mu        sync.Mutex
	refs      []mail.Ref
	raws      map[string]*mail.RawMessage
	listErrs  []error
	getErr    error
	listCalls int
	getCalls  int
}

var _ mail.Provider = (*stubMailProvider)(nil)

func (s *stubMailProvider) ListMessages(_ context.Context, _ string, _ int64) ([]mail.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if len(s.listErrs) > 0 {
		err := s.listErrs[0]
		s.listErrs = s.listErrs[1:]
		return nil, err
	}
	return s.refs, nil
}

func (s *stubMailProvider) GetMessage(_ context.Context, id string) (*mail.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	raw, ok := s.raws[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeSourceUnavailable, "message not found")
	}
	return raw, nil
}

type stubCalendarProvider struct {
	mu     sync.Mutex
	events []calendar.RawEvent
	errs   []error
	calls  int
}

var _ calendar.Provider = (*stubCalendarProvider)(nil)

func (s *stubCalendarProvider) ListEvents(_ context.Context, _ string, _, _ time.Time) ([]calendar.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return s.events, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (d *fakeDispatcher) Notify(_ context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *fakeDispatcher) delivered() []notify.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Message(nil), d.msgs...)
}

type fakeReportStore struct {
	mu        sync.Mutex
	summaries []mysql.ReportSummary
	err       error
}

func (f *fakeReportStore) Save(_ context.Context, summary mysql.ReportSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeReportStore) saved() []mysql.ReportSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mysql.ReportSummary(nil), f.summaries...)
}

// sleepRecorder 记录重试等待时长，不真正休眠。
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func rawTextMessage(id, from, subject, snippet, body string) *mail.RawMessage {
	return &mail.RawMessage{
		ID:      id,
		Snippet: snippet,
		Headers: []mail.Header{
			{Name: "From", Value: from},
			{Name: "Subject", Value: subject},
			{Name: "Date", Value: "Sat, 14 Mar 2026 07:00:00 +0000"},
		},
		Payload: &mail.Part{
			MimeType: "text/plain",
			Body:     &mail.PartBody{Data: mail.EncodeBody(body)},
		},
	}
}

func happyMailProvider() *stubMailProvider {
	return &stubMailProvider{
		refs: []mail.Ref{{ID: "msg-1"}, {ID: "msg-2"}, {ID: "msg-3"}},
		raws: map[string]*mail.RawMessage{
			"msg-1": rawTextMessage("msg-1", "boss@company.com", "至急: 確認お願いします", "今週の進捗について", "本文"),
			"msg-2": rawTextMessage("msg-2", "alice@example.com", "ランチどう？", "明日の予定", "空いてますか"),
			"msg-3": rawTextMessage("msg-3", "newsletter@example.com", "Weekly Digest", "top stories", "digest body"),
		},
	}
}

func happyCalendarProvider() *stubCalendarProvider {
	return &stubCalendarProvider{
		events: []calendar.RawEvent{
			{ID: "ev-1", Summary: "Team sync", Start: "2026-03-14T09:30:00Z", End: "2026-03-14T10:00:00Z"},
			{ID: "ev-2", Summary: "Expense reports", Start: "2026-03-14"},
		},
	}
}

func newTestOrchestrator(t *testing.T, mailP mail.Provider, calP calendar.Provider, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	base := []OrchestratorOption{
		WithClock(func() time.Time { return fixedNow }),
		WithLocation(time.UTC),
		WithRetryOptions(retry.WithSleep(func(context.Context, time.Duration) error { return nil })),
	}
	return NewOrchestrator(mailP, calP, classify.New(classify.DefaultRuleSet()), append(base, opts...)...)
}

func TestOrchestratorRunComposesAndDelivers(t *testing.T) {
	t.Parallel()

	mailP := happyMailProvider()
	calP := happyCalendarProvider()
	dispatcher := &fakeDispatcher{}
	store := &fakeReportStore{}
	orch := newTestOrchestrator(t, mailP, calP,
		WithDispatcher(dispatcher),
		WithReportStore(store),
	)

	result, err := orch.Run(context.Background(), "2026-03-14")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if result.MailTotal != 3 || result.MailHigh != 2 || result.ReplyNeeded != 1 {
		t.Fatalf("unexpected mail counts: %+v", result)
	}
	if result.EventTotal != 2 || result.EventHigh != 1 {
		t.Fatalf("unexpected event counts: %+v", result)
	}
	if len(result.Degraded) != 0 || !result.Delivered {
		t.Fatalf("unexpected degraded/delivered state: %+v", result)
	}

	for _, want := range []string{
		"每日简报 2026-03-14 (Sat)",
		"至急: 確認お願いします",
		"[需回复] ランチどう？",
		"- 09:30 Team sync",
		"有 1 封邮件需要回复。",
	} {
		if !strings.Contains(result.Report, want) {
			t.Fatalf("report missing %q:\n%s", want, result.Report)
		}
	}
	// 低优先条目不进入简报正文。
	if strings.Contains(result.Report, "Weekly Digest") || strings.Contains(result.Report, "Expense reports") {
		t.Fatalf("low priority items leaked into report:\n%s", result.Report)
	}

	msgs := dispatcher.delivered()
	if len(msgs) != 1 {
		t.Fatalf("expected one delivery, got %d", len(msgs))
	}
	if msgs[0].Kind != notify.KindBriefing || msgs[0].Subject != "每日简报 2026-03-14" || msgs[0].Body != result.Report {
		t.Fatalf("unexpected delivered message: %+v", msgs[0])
	}

	saved := store.saved()
	if len(saved) != 1 {
		t.Fatalf("expected one summary, got %d", len(saved))
	}
	summary := saved[0]
	if summary.BriefingDate != "2026-03-14" || summary.MailTotal != 3 || summary.MailHigh != 2 ||
		summary.EventTotal != 2 || summary.EventHigh != 1 || !summary.Delivered {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.GeneratedAt != fixedNow.Unix() {
		t.Fatalf("expected generated_at from run clock, got %d", summary.GeneratedAt)
	}
}

func TestOrchestratorDefaultsDateFromClock(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, happyMailProvider(), happyCalendarProvider())
	result, err := orch.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.BriefingDate != "2026-03-14" {
		t.Fatalf("expected clock date, got %s", result.BriefingDate)
	}
}

func TestOrchestratorRejectsMalformedDate(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, happyMailProvider(), happyCalendarProvider())
	if _, err := orch.Run(context.Background(), "14/03/2026"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestOrchestratorRetriesRateLimitedCalls(t *testing.T) {
	t.Parallel()

	mailP := happyMailProvider()
	mailP.listErrs = []error{
		xerrors.New(xerrors.CodeRateLimited, "too many requests"),
		xerrors.New(xerrors.CodeRateLimited, "too many requests"),
	}
	recorder := &sleepRecorder{}
	orch := newTestOrchestrator(t, mailP, happyCalendarProvider(),
		WithRetryOptions(retry.WithSleep(recorder.sleep)),
	)

	result, err := orch.Run(context.Background(), "2026-03-14")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.MailTotal != 3 || len(result.Degraded) != 0 {
		t.Fatalf("expected full mail fetch after retries: %+v", result)
	}
	if mailP.listCalls != 3 {
		t.Fatalf("expected 3 list attempts, got %d", mailP.listCalls)
	}
	delays := recorder.recorded()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff delays: %v", delays)
	}
}

func TestOrchestratorExhaustedRetriesDegradeSource(t *testing.T) {
	t.Parallel()

	rateLimited := xerrors.New(xerrors.CodeRateLimited, "too many requests")
	mailP := happyMailProvider()
	// 初次调用加三次重试全部限流，邮件源最终降级。
	mailP.listErrs = []error{rateLimited, rateLimited, rateLimited, rateLimited}
	orch := newTestOrchestrator(t, mailP, happyCalendarProvider())

	result, err := orch.Run(context.Background(), "2026-03-14")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if mailP.listCalls != 4 {
		t.Fatalf("expected 4 list attempts, got %d", mailP.listCalls)
	}
	if len(result.Degraded) != 1 || result.Degraded[0] != SourceMail {
		t.Fatalf("expected mail degradation, got %+v", result.Degraded)
	}
	if result.MailTotal != 0 || result.EventTotal != 2 {
		t.Fatalf("unexpected counts after degradation: %+v", result)
	}
}

func TestOrchestratorDegradesFailedSources(t *testing.T) {
	t.Parallel()

	t.Run("calendar down", func(t *testing.T) {
		t.Parallel()
		calP := happyCalendarProvider()
		calP.errs = []error{xerrors.New(xerrors.CodeSourceUnavailable, "backend 500")}
		dispatcher := &fakeDispatcher{}
		store := &fakeReportStore{}
		orch := newTestOrchestrator(t, happyMailProvider(), calP,
			WithDispatcher(dispatcher), WithReportStore(store))

		result, err := orch.Run(context.Background(), "2026-03-14")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if calP.calls != 1 {
			t.Fatalf("non-retryable failure should not retry, got %d calls", calP.calls)
		}
		if len(result.Degraded) != 1 || result.Degraded[0] != SourceCalendar {
			t.Fatalf("expected calendar degradation, got %+v", result.Degraded)
		}
		if result.EventTotal != 0 || result.MailTotal != 3 {
			t.Fatalf("unexpected counts: %+v", result)
		}
		if !strings.Contains(result.Report, "【重要日程】\n（无）") {
			t.Fatalf("degraded calendar should render empty section:\n%s", result.Report)
		}
		saved := store.saved()
		if len(saved) != 1 || len(saved[0].Degraded) != 1 || saved[0].Degraded[0] != SourceCalendar {
			t.Fatalf("degradation not persisted: %+v", saved)
		}
	})

	t.Run("both sources down", func(t *testing.T) {
		t.Parallel()
		mailP := happyMailProvider()
		mailP.listErrs = []error{xerrors.New(xerrors.CodeSourceUnavailable, "mail down")}
		calP := happyCalendarProvider()
		calP.errs = []error{xerrors.New(xerrors.CodeSourceUnavailable, "calendar down")}
		dispatcher := &fakeDispatcher{}
		orch := newTestOrchestrator(t, mailP, calP, WithDispatcher(dispatcher))

		result, err := orch.Run(context.Background(), "2026-03-14")
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if len(result.Degraded) != 2 || result.Degraded[0] != SourceMail || result.Degraded[1] != SourceCalendar {
			t.Fatalf("expected both sources degraded, got %+v", result.Degraded)
		}
		// 两侧都降级仍须产出并投递一份空简报。
		if !result.Delivered || !strings.Contains(result.Report, "【重要邮件】(0/0)") {
			t.Fatalf("expected delivered empty report: %+v", result)
		}
	})
}

func TestOrchestratorDetailFailureDegradesMail(t *testing.T) {
	t.Parallel()

	mailP := happyMailProvider()
	mailP.getErr = xerrors.New(xerrors.CodeSourceUnavailable, "detail fetch failed")
	orch := newTestOrchestrator(t, mailP, happyCalendarProvider())

	result, err := orch.Run(context.Background(), "2026-03-14")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if mailP.getCalls != 1 {
		t.Fatalf("expected a single detail attempt, got %d", mailP.getCalls)
	}
	if len(result.Degraded) != 1 || result.Degraded[0] != SourceMail || result.MailTotal != 0 {
		t.Fatalf("expected mail degradation after detail failure: %+v", result)
	}
}

func TestOrchestratorAbortsOnAuthFailure(t *testing.T) {
	t.Parallel()

	calP := happyCalendarProvider()
	calP.errs = []error{xerrors.New(xerrors.CodeAuthFailure, "token expired")}
	dispatcher := &fakeDispatcher{}
	store := &fakeReportStore{}
	orch := newTestOrchestrator(t, happyMailProvider(), calP,
		WithDispatcher(dispatcher), WithReportStore(store))

	result, err := orch.Run(context.Background(), "2026-03-14")
	if err == nil {
		t.Fatalf("expected auth failure to abort the run, got %+v", result)
	}
	if xerrors.CodeOf(err) != xerrors.CodeAuthFailure {
		t.Fatalf("expected AUTH_FAILURE, got %v", err)
	}
	if !strings.Contains(err.Error(), "重新运行授权流程") {
		t.Fatalf("error should carry re-auth guidance: %v", err)
	}
	if len(dispatcher.delivered()) != 0 || len(store.saved()) != 0 {
		t.Fatalf("aborted run must not deliver or persist")
	}
}

func TestOrchestratorDeliveryFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	dispatcher := &fakeDispatcher{err: xerrors.New(xerrors.CodeDeliveryFailure, "webhook 500")}
	store := &fakeReportStore{}
	orch := newTestOrchestrator(t, happyMailProvider(), happyCalendarProvider(),
		WithDispatcher(dispatcher), WithReportStore(store))

	result, err := orch.Run(context.Background(), "2026-03-14")
	if err != nil {
		t.Fatalf("delivery failure must not fail the run: %v", err)
	}
	if result.Delivered {
		t.Fatalf("expected delivered=false, got %+v", result)
	}
	saved := store.saved()
	if len(saved) != 1 || saved[0].Delivered {
		t.Fatalf("summary should record failed delivery: %+v", saved)
	}
	if saved[0].Report != result.Report {
		t.Fatalf("summary should keep the composed report")
	}
}
