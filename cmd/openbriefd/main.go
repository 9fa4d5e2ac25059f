package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenBrief/internal/api"
	"OpenBrief/internal/auth"
	"OpenBrief/internal/briefing"
	"OpenBrief/internal/calendar"
	calgoogle "OpenBrief/internal/calendar/google"
	"OpenBrief/internal/classify"
	"OpenBrief/internal/config"
	"OpenBrief/internal/mail"
	"OpenBrief/internal/mail/gmail"
	"OpenBrief/internal/notify"
	"OpenBrief/internal/observability/metrics"
	"OpenBrief/internal/run"
	"OpenBrief/internal/storage/mysql"
	"OpenBrief/pkg/logger"
	"OpenBrief/pkg/skill"
)

// main 是 OpenBrief 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，缺省读取 OPENBRIEF_CONFIG 或 configs/openbrief.json")
	authorize := flag.Bool("authorize", false, "执行一次交互式 OAuth2 授权并保存令牌后退出")
	once := flag.Bool("once", false, "立即生成一次简报并输出到标准输出后退出")
	date := flag.String("date", "", "配合 -once 使用的简报日期（YYYY-MM-DD），留空为当天")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, *configPath, *authorize, *once, *date); err != nil {
		log.Fatalf("openbriefd 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context, configPath string, authorize, once bool, date string) error {
	if configPath == "" {
		configPath = os.Getenv("OPENBRIEF_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join("configs", "openbrief.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	scopes := []string{gmail.ReadonlyScope, calgoogle.ReadonlyScope}

	// 授权模式只负责换取并落盘令牌，不启动任何服务。
	if authorize {
		return runAuthorize(ctx, cfg, scopes)
	}

	session, err := auth.LoadSession(cfg.Mail.CredentialsPath, cfg.Mail.TokenPath, scopes...)
	if err != nil {
		return fmt.Errorf("%w（%s）", err, auth.ReauthGuidance)
	}

	client := session.Client(ctx)
	mailProvider, err := gmail.NewProvider(ctx, client)
	if err != nil {
		return err
	}
	calProvider, err := calgoogle.NewProvider(ctx, client)
	if err != nil {
		return err
	}

	orchestrator, err := buildOrchestrator(cfg, mailProvider, calProvider)
	if err != nil {
		return err
	}

	if once {
		result, err := orchestrator.Run(ctx, date)
		if err != nil {
			return err
		}
		fmt.Println(result.Report)
		return session.Persist(cfg.Mail.TokenPath)
	}

	manager, err := buildSkillManager(cfg, orchestrator)
	if err != nil {
		return err
	}
	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.StopAll(stopCtx); err != nil {
			logger.L().Warn("停止技能失败", slog.Any("error", err))
		}
	}()

	runStore, err := buildRunStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := runStore.Close(); err != nil {
			logger.L().Warn("关闭运行存储失败", slog.Any("error", err))
		}
	}()

	runQueue, err := buildRunQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := runQueue.Close(); err != nil {
			logger.L().Warn("关闭运行队列失败", slog.Any("error", err))
		}
	}()

	dispatcher := buildDispatcher(cfg)

	runService := run.NewService(runStore, runQueue, cfg.Runner.MaxRetries)
	processor := run.NewProcessor(briefing.NewExecutor(manager), runStore, runQueue, runQueue,
		run.WithWorkerCount(cfg.Runner.Workers),
		run.WithProcessorLogger(logger.Named("processor")),
		run.WithAlertDispatcher(dispatcher),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, runService,
		api.WithAuthToken(cfg.Server.AuthToken),
		api.WithTimeouts(cfg.Server.ReadTimeout(), cfg.Server.WriteTimeout(), cfg.Server.ShutdownTimeout()),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// 刷新后的令牌在退出前写回，避免下次启动时重新授权。
	if err := session.Persist(cfg.Mail.TokenPath); err != nil {
		logger.L().Warn("令牌写回失败", slog.Any("error", err))
	}
	return nil
}

// runAuthorize 走一遍标准的授权码流程：打印授权链接，等待用户粘贴
// 回调中的 code，换取令牌后写入配置指定的令牌文件。
func runAuthorize(ctx context.Context, cfg *config.Config, scopes []string) error {
	session, err := auth.LoadCredentials(cfg.Mail.CredentialsPath, scopes...)
	if err != nil {
		return err
	}

	fmt.Printf("请在浏览器中打开以下链接完成授权：\n\n%s\n\n", session.AuthCodeURL("state-token"))
	fmt.Print("粘贴授权码并回车: ")

	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("读取授权码失败: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("授权码为空")
	}

	if _, err := session.Exchange(ctx, code); err != nil {
		return err
	}
	if err := session.Persist(cfg.Mail.TokenPath); err != nil {
		return err
	}
	fmt.Printf("令牌已保存到 %s\n", cfg.Mail.TokenPath)
	return nil
}

// buildOrchestrator 按配置组装简报编排器及其可选依赖。
func buildOrchestrator(cfg *config.Config, mailProvider mail.Provider, calProvider calendar.Provider) (*briefing.Orchestrator, error) {
	rules := classify.DefaultRuleSet()
	if cfg.Classify.RulesPath != "" {
		loaded, err := classify.LoadRuleSet(cfg.Classify.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}

	loc, err := loadLocation(cfg.Runtime.Timezone)
	if err != nil {
		return nil, err
	}

	reports, err := buildReportRepository(cfg)
	if err != nil {
		return nil, err
	}

	opts := []briefing.OrchestratorOption{
		briefing.WithDispatcher(buildDispatcher(cfg)),
		briefing.WithLocation(loc),
		briefing.WithMailQuery(cfg.Mail.Query, cfg.Mail.MaxResults),
		briefing.WithCalendarID(cfg.Calendar.CalendarID),
	}
	if reports != nil {
		opts = append(opts, briefing.WithReportStore(reports))
	}
	return briefing.NewOrchestrator(mailProvider, calProvider, classify.New(rules), opts...), nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "Local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("无法加载时区 %s: %w", name, err)
	}
	return loc, nil
}

// buildDispatcher 按配置启用的渠道组装投递器。
func buildDispatcher(cfg *config.Config) notify.Dispatcher {
	notifiers := make([]notify.Notifier, 0, len(cfg.Notify.Channels))
	for _, channel := range cfg.Notify.Channels {
		switch notify.Channel(strings.ToLower(strings.TrimSpace(channel))) {
		case notify.ChannelConsole:
			notifiers = append(notifiers, &notify.ConsoleNotifier{})
		case notify.ChannelWebhook:
			notifiers = append(notifiers, &notify.WebhookNotifier{
				Endpoint:  cfg.Notify.Webhook.URL,
				AuthToken: cfg.Notify.Webhook.AuthToken,
				Client:    &http.Client{Timeout: cfg.Notify.Webhook.Timeout()},
			})
		case notify.ChannelFile:
			notifiers = append(notifiers, &notify.FileNotifier{Dir: cfg.Notify.File.Dir})
		default:
			logger.L().Warn("忽略未知的投递渠道", slog.String("channel", channel))
		}
	}
	return notify.NewFanout(notifiers...)
}

// buildReportRepository 按存储驱动构造简报摘要仓库。
func buildReportRepository(cfg *config.Config) (mysql.ReportRepository, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return mysql.NewMemoryReportRepository(cfg.Runtime.DataDir)
	case "mysql":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return mysql.NewSQLReportRepository(ctx, mysql.Config{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime(),
		})
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

// buildRunStore 按存储驱动构造运行存储。
func buildRunStore(cfg *config.Config) (run.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return run.NewMemoryStore(), nil
	case "mysql":
		return run.NewMySQLStore(cfg.Store.DSN)
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

// buildRunQueue 按队列驱动构造运行队列。
func buildRunQueue(cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return run.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return run.NewRedisQueue(run.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.BlockWait(),
		})
	case "rabbitmq":
		return run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// buildSkillManager 构造技能管理器并注册简报技能。配置文件缺省时
// 直接手工注册并放行网络能力。
func buildSkillManager(cfg *config.Config, orchestrator *briefing.Orchestrator) (*skill.Manager, error) {
	networkPolicy := skill.IsolationPolicy{
		AllowedCapabilities: []skill.Capability{skill.CapabilityNetwork},
	}

	if cfg.Skills.ConfigPath == "" {
		manager, err := skill.NewManager(skill.ManagerConfig{Defaults: networkPolicy})
		if err != nil {
			return nil, err
		}
		if err := manager.Register(briefing.SkillID, briefing.NewSkill(orchestrator), nil, networkPolicy); err != nil {
			return nil, err
		}
		return manager, nil
	}

	managerCfg, err := skill.LoadManagerConfig(cfg.Skills.ConfigPath)
	if err != nil {
		return nil, err
	}
	manager, err := skill.NewManager(managerCfg)
	if err != nil {
		return nil, err
	}
	registered, err := manager.RegisterFactory(briefing.SkillID, briefing.NewFactory(orchestrator))
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, fmt.Errorf("技能配置 %s 未启用 %s 技能", cfg.Skills.ConfigPath, briefing.SkillID)
	}
	return manager, nil
}
