// Package briefing 把抓取、归一化、分类、渲染与投递串成一次完整的
// 简报运行。邮件与日历并发抓取，远端调用逐个套用重试策略；单一
// 数据源的非鉴权失败降级为空结果，鉴权失败则中止整次运行。
package briefing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"OpenBrief/internal/auth"
	"OpenBrief/internal/calendar"
	"OpenBrief/internal/classify"
	xerrors "OpenBrief/internal/errors"
	"OpenBrief/internal/mail"
	"OpenBrief/internal/notify"
	"OpenBrief/internal/observability/metrics"
	"OpenBrief/internal/retry"
	"OpenBrief/internal/run"
	"OpenBrief/internal/storage/mysql"
	"OpenBrief/pkg/logger"
)

// 数据源标签，用于指标与降级列表。
const (
	SourceMail     = "mail"
	SourceCalendar = "calendar"
)

const briefingDateLayout = "2006-01-02"

// ReportStore 是编排器需要的最小持久化能力，完整接口见 storage。
type ReportStore interface {
	Save(ctx context.Context, summary mysql.ReportSummary) error
}

// Result 汇总一次简报运行的产出与降级信息。
type Result struct {
	BriefingDate string
	Report       string
	MailTotal    int
	MailHigh     int
	ReplyNeeded  int
	EventTotal   int
	EventHigh    int
	Degraded     []string
	Delivered    bool
}

// outcome 转换为运行子系统的落库结构。
func (r *Result) outcome() *run.Outcome {
	if r == nil {
		return nil
	}
	return &run.Outcome{
		Report:      r.Report,
		MailTotal:   r.MailTotal,
		MailHigh:    r.MailHigh,
		ReplyNeeded: r.ReplyNeeded,
		EventTotal:  r.EventTotal,
		EventHigh:   r.EventHigh,
		Degraded:    append([]string(nil), r.Degraded...),
		Delivered:   r.Delivered,
	}
}

// Orchestrator 驱动简报流水线。除数据源与分类器外的依赖均可选：
// 未配置投递器时跳过投递，未配置存储时跳过落库。
type Orchestrator struct {
	mailProvider mail.Provider
	calProvider  calendar.Provider
	classifier   *classify.Classifier
	dispatcher   notify.Dispatcher
	reports      ReportStore
	mailRetry    *retry.Policy
	calRetry     *retry.Policy
	retryOpts    []retry.Option
	clock        func() time.Time
	loc          *time.Location
	query        string
	maxResults   int64
	calendarID   string
	log          *slog.Logger
}

// OrchestratorOption 调整编排器的可选依赖与参数。
type OrchestratorOption func(*Orchestrator)

// WithDispatcher 配置简报投递器。
func WithDispatcher(d notify.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.dispatcher = d
	}
}

// WithReportStore 配置简报摘要存储。
func WithReportStore(store ReportStore) OrchestratorOption {
	return func(o *Orchestrator) {
		o.reports = store
	}
}

// WithRetryOptions 配置远端调用的重试策略参数。
func WithRetryOptions(opts ...retry.Option) OrchestratorOption {
	return func(o *Orchestrator) {
		o.retryOpts = opts
	}
}

// WithClock 替换时钟，测试与重放用。
func WithClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLocation 设置简报所属时区，影响日期解析与日程时间展示。
func WithLocation(loc *time.Location) OrchestratorOption {
	return func(o *Orchestrator) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithMailQuery 设置邮件查询串与数量上限。
func WithMailQuery(query string, maxResults int64) OrchestratorOption {
	return func(o *Orchestrator) {
		if query != "" {
			o.query = query
		}
		if maxResults > 0 {
			o.maxResults = maxResults
		}
	}
}

// WithCalendarID 设置日历标识。
func WithCalendarID(id string) OrchestratorOption {
	return func(o *Orchestrator) {
		if id != "" {
			o.calendarID = id
		}
	}
}

// WithOrchestratorLogger 覆盖默认日志器。
func WithOrchestratorLogger(log *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// NewOrchestrator 构造编排器。
func NewOrchestrator(mailProvider mail.Provider, calendarProvider calendar.Provider, classifier *classify.Classifier, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		mailProvider: mailProvider,
		calProvider:  calendarProvider,
		classifier:   classifier,
		clock:        time.Now,
		loc:          time.Local,
		query:        "is:unread",
		maxResults:   10,
		calendarID:   "primary",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.log == nil {
		o.log = logger.Named("briefing")
	}
	o.mailRetry = o.buildRetryPolicy(SourceMail)
	o.calRetry = o.buildRetryPolicy(SourceCalendar)
	return o
}

// buildRetryPolicy 为单个数据源构造重试策略，重试事件计入指标。
func (o *Orchestrator) buildRetryPolicy(source string) *retry.Policy {
	opts := make([]retry.Option, 0, len(o.retryOpts)+2)
	opts = append(opts, o.retryOpts...)
	opts = append(opts,
		retry.WithLogger(o.log.With(slog.String("source", source))),
		retry.WithOnRetry(func(int, error) {
			metrics.IncrementSourceRetry(source)
		}),
	)
	return retry.New(opts...)
}

// Run 执行一次完整的简报流水线。date 形如 2006-01-02，为空时取
// 配置时区的今天。
func (o *Orchestrator) Run(ctx context.Context, date string) (*Result, error) {
	return o.run(ctx, date, "")
}

func (o *Orchestrator) run(ctx context.Context, date, runID string) (*Result, error) {
	if o.mailProvider == nil || o.calProvider == nil || o.classifier == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "简报编排器缺少数据源或分类器")
	}
	if date == "" {
		date = o.clock().In(o.loc).Format(briefingDateLayout)
	}
	day, err := time.ParseInLocation(briefingDateLayout, date, o.loc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("无法解析简报日期 %s", date))
	}

	var (
		wg       sync.WaitGroup
		messages []mail.Message
		events   []calendar.Event
		mailErr  error
		calErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		messages, mailErr = o.fetchMessages(ctx)
	}()
	go func() {
		defer wg.Done()
		events, calErr = o.fetchEvents(ctx, day)
	}()
	wg.Wait()

	// 两个数据源共用同一份凭据，任一侧鉴权失败都意味着凭据不可用，
	// 运行整体中止并携带重新授权的提示。
	if authErr := pickAuthFailure(mailErr, calErr); authErr != nil {
		o.log.ErrorContext(ctx, "数据源鉴权失败，中止本次运行",
			slog.String("briefing_date", date),
			slog.Any("error", authErr))
		return nil, xerrors.Wrap(xerrors.CodeAuthFailure, authErr, auth.ReauthGuidance)
	}

	result := &Result{BriefingDate: date}
	if mailErr != nil {
		o.degrade(ctx, SourceMail, mailErr)
		result.Degraded = append(result.Degraded, SourceMail)
		messages = nil
	}
	if calErr != nil {
		o.degrade(ctx, SourceCalendar, calErr)
		result.Degraded = append(result.Degraded, SourceCalendar)
		events = nil
	}

	now := o.clock()
	highMessages := make([]ClassifiedMessage, 0, len(messages))
	for _, msg := range messages {
		label := o.classifier.ClassifyMessage(msg)
		metrics.IncrementClassified("message", string(label.Priority))
		if label.NeedsReply {
			result.ReplyNeeded++
		}
		if label.Priority == classify.PriorityHigh {
			highMessages = append(highMessages, ClassifiedMessage{Message: msg, Label: label})
		}
	}
	highEvents := make([]ClassifiedEvent, 0, len(events))
	for _, event := range events {
		label := o.classifier.ClassifyEvent(event, now)
		metrics.IncrementClassified("event", string(label.Priority))
		if label.Priority == classify.PriorityHigh {
			highEvents = append(highEvents, ClassifiedEvent{Event: event, Label: label})
		}
	}

	result.MailTotal = len(messages)
	result.MailHigh = len(highMessages)
	result.EventTotal = len(events)
	result.EventHigh = len(highEvents)
	result.Report = ComposeReport(ReportInput{
		Date:          day,
		HighMessages:  highMessages,
		TotalMessages: len(messages),
		ReplyNeeded:   result.ReplyNeeded,
		HighEvents:    highEvents,
		TotalEvents:   len(events),
	})

	result.Delivered = o.deliver(ctx, date, runID, result.Report)
	o.persist(ctx, runID, result)

	o.log.InfoContext(ctx, "简报运行完成",
		slog.String("briefing_date", date),
		slog.Int("mail_total", result.MailTotal),
		slog.Int("mail_high", result.MailHigh),
		slog.Int("event_total", result.EventTotal),
		slog.Int("event_high", result.EventHigh),
		slog.Bool("delivered", result.Delivered),
		slog.Any("degraded", result.Degraded))
	return result, nil
}

// fetchMessages 拉取并归一化邮件。列表与每条详情各自独立重试，
// 详情按顺序逐条拉取以贴合数据源的速率限制。
func (o *Orchestrator) fetchMessages(ctx context.Context) ([]mail.Message, error) {
	started := time.Now()

	var refs []mail.Ref
	err := o.mailRetry.Do(ctx, func(ctx context.Context) error {
		listed, err := o.mailProvider.ListMessages(ctx, o.query, o.maxResults)
		if err != nil {
			return err
		}
		refs = listed
		return nil
	})
	if err != nil {
		metrics.RecordSourceFetch(SourceMail, "failed", time.Since(started))
		return nil, err
	}

	messages := make([]mail.Message, 0, len(refs))
	for _, ref := range refs {
		var raw *mail.RawMessage
		err := o.mailRetry.Do(ctx, func(ctx context.Context) error {
			fetched, err := o.mailProvider.GetMessage(ctx, ref.ID)
			if err != nil {
				return err
			}
			raw = fetched
			return nil
		})
		if err != nil {
			metrics.RecordSourceFetch(SourceMail, "failed", time.Since(started))
			return nil, err
		}
		messages = append(messages, mail.Normalize(raw))
	}
	metrics.RecordSourceFetch(SourceMail, "success", time.Since(started))
	return messages, nil
}

// fetchEvents 拉取简报当天的事件并归一化，非全天事件换算到简报
// 时区后按开始时间排序，保证渲染顺序稳定。
func (o *Orchestrator) fetchEvents(ctx context.Context, day time.Time) ([]calendar.Event, error) {
	started := time.Now()
	timeMin := day
	timeMax := day.AddDate(0, 0, 1)

	var raws []calendar.RawEvent
	err := o.calRetry.Do(ctx, func(ctx context.Context) error {
		listed, err := o.calProvider.ListEvents(ctx, o.calendarID, timeMin, timeMax)
		if err != nil {
			return err
		}
		raws = listed
		return nil
	})
	if err != nil {
		metrics.RecordSourceFetch(SourceCalendar, "failed", time.Since(started))
		return nil, err
	}

	events := make([]calendar.Event, 0, len(raws))
	for _, raw := range raws {
		event := calendar.Normalize(raw, o.loc)
		if !event.AllDay {
			if !event.Start.IsZero() {
				event.Start = event.Start.In(o.loc)
			}
			if !event.End.IsZero() {
				event.End = event.End.In(o.loc)
			}
		}
		events = append(events, event)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].Title < events[j].Title
		}
		return events[i].Start.Before(events[j].Start)
	})
	metrics.RecordSourceFetch(SourceCalendar, "success", time.Since(started))
	return events, nil
}

// degrade 把失败的数据源降级为空结果，本次运行继续。
func (o *Orchestrator) degrade(ctx context.Context, source string, err error) {
	metrics.IncrementSourceDegraded(source)
	o.log.WarnContext(ctx, "数据源降级为空结果",
		slog.String("source", source),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
}

// deliver 投递简报。投递失败不致命，记录后继续。
func (o *Orchestrator) deliver(ctx context.Context, date, runID, report string) bool {
	if o.dispatcher == nil {
		return false
	}
	subject := fmt.Sprintf("每日简报 %s", date)
	if err := o.dispatcher.Notify(ctx, notify.NewBriefing(subject, report, runID)); err != nil {
		metrics.IncrementDelivery("failed")
		o.log.WarnContext(ctx, "简报投递失败",
			slog.String("briefing_date", date),
			slog.Any("error", err))
		return false
	}
	metrics.IncrementDelivery("success")
	return true
}

// persist 把摘要按日期落库，同日期覆盖旧记录。落库失败只记录，
// 不影响运行结果。
func (o *Orchestrator) persist(ctx context.Context, runID string, result *Result) {
	if o.reports == nil {
		return
	}
	summary := mysql.ReportSummary{
		BriefingDate: result.BriefingDate,
		RunID:        runID,
		Report:       result.Report,
		MailTotal:    result.MailTotal,
		MailHigh:     result.MailHigh,
		ReplyNeeded:  result.ReplyNeeded,
		EventTotal:   result.EventTotal,
		EventHigh:    result.EventHigh,
		Degraded:     append([]string(nil), result.Degraded...),
		Delivered:    result.Delivered,
		GeneratedAt:  o.clock().Unix(),
	}
	if err := o.reports.Save(ctx, summary); err != nil {
		o.log.ErrorContext(ctx, "简报摘要落库失败",
			slog.String("briefing_date", result.BriefingDate),
			slog.Any("error", err))
	}
}

// pickAuthFailure 返回首个鉴权失败，两侧都正常时返回 nil。
func pickAuthFailure(errs ...error) error {
	for _, err := range errs {
		if err != nil && xerrors.CodeOf(err) == xerrors.CodeAuthFailure {
			return err
		}
	}
	return nil
}
