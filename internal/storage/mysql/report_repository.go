package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ReportSummary 表示一份简报的落库结构，按简报日期唯一。
type ReportSummary struct {
	BriefingDate string   `json:"briefing_date"`
	RunID        string   `json:"run_id"`
	Report       string   `json:"report"`
	MailTotal    int      `json:"mail_total"`
	MailHigh     int      `json:"mail_high"`
	ReplyNeeded  int      `json:"reply_needed"`
	EventTotal   int      `json:"event_total"`
	EventHigh    int      `json:"event_high"`
	Degraded     []string `json:"degraded,omitempty"`
	Delivered    bool     `json:"delivered"`
	GeneratedAt  int64    `json:"generated_at"`
}

// ErrReportNotFound 表示指定日期没有简报记录。
var ErrReportNotFound = errors.New("没有指定日期的简报记录")

// ReportRepository 抽象简报摘要的持久化接口。同一天的新简报覆盖旧简报。
type ReportRepository interface {
	Save(ctx context.Context, summary ReportSummary) error
	Get(ctx context.Context, briefingDate string) (*ReportSummary, error)
	ListRecent(ctx context.Context, limit int) ([]ReportSummary, error)
	Close() error
}

// MemoryReportRepository 使用本地 JSONL 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryReportRepository struct {
	mu       sync.RWMutex
	dataFile string
	reports  map[string]ReportSummary
}

// NewMemoryReportRepository 创建一个内存简报仓库。
func NewMemoryReportRepository(dataDir string) (*MemoryReportRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "reports.log")
	repo := &MemoryReportRepository{
		dataFile: path,
		reports:  make(map[string]ReportSummary),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录简报摘要，同日期后写覆盖先写。
func (m *MemoryReportRepository) Save(_ context.Context, summary ReportSummary) error {
	if strings.TrimSpace(summary.BriefingDate) == "" {
		return errors.New("简报日期不能为空")
	}
	if summary.GeneratedAt == 0 {
		summary.GeneratedAt = time.Now().Unix()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开简报日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("序列化简报摘要失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入简报日志失败: %w", err)
	}

	m.reports[summary.BriefingDate] = summary
	return nil
}

// Get 返回指定日期的简报摘要。
func (m *MemoryReportRepository) Get(_ context.Context, briefingDate string) (*ReportSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary, ok := m.reports[briefingDate]
	if !ok {
		return nil, ErrReportNotFound
	}
	clone := summary
	clone.Degraded = append([]string(nil), summary.Degraded...)
	return &clone, nil
}

// ListRecent 返回最近的简报摘要，按日期倒序排列。
func (m *MemoryReportRepository) ListRecent(_ context.Context, limit int) ([]ReportSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]ReportSummary, 0, len(m.reports))
	for _, summary := range m.reports {
		results = append(results, summary)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].BriefingDate > results[j].BriefingDate
	})

	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}
	return results[:limit], nil
}

// Close 对内存仓库无需操作。
func (m *MemoryReportRepository) Close() error {
	return nil
}

func (m *MemoryReportRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取简报日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var summary ReportSummary
		if err := json.Unmarshal(scanner.Bytes(), &summary); err != nil {
			continue
		}
		if summary.BriefingDate == "" {
			continue
		}
		// 追加日志按时间先后排列，后写的自然覆盖先写的。
		m.reports[summary.BriefingDate] = summary
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析简报日志失败: %w", err)
	}
	return nil
}

// SQLReportRepository 使用真实的 MySQL 数据库存储简报摘要。
type SQLReportRepository struct {
	db *sql.DB
}

// NewSQLReportRepository 创建连接池并执行数据库迁移。
func NewSQLReportRepository(ctx context.Context, cfg Config) (*SQLReportRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLReportRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 以 upsert 的方式写入简报摘要，同日期后写覆盖先写。
func (s *SQLReportRepository) Save(ctx context.Context, summary ReportSummary) error {
	if strings.TrimSpace(summary.BriefingDate) == "" {
		return errors.New("简报日期不能为空")
	}
	if summary.GeneratedAt == 0 {
		summary.GeneratedAt = time.Now().Unix()
	}

	degradedValue, err := marshalDegraded(summary.Degraded)
	if err != nil {
		return fmt.Errorf("编码降级来源列表失败: %w", err)
	}

	const stmt = `INSERT INTO briefing_reports
        (briefing_date, run_id, report, mail_total, mail_high, reply_needed, event_total, event_high, degraded, delivered, generated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        run_id = VALUES(run_id), report = VALUES(report), mail_total = VALUES(mail_total), mail_high = VALUES(mail_high),
        reply_needed = VALUES(reply_needed), event_total = VALUES(event_total), event_high = VALUES(event_high),
        degraded = VALUES(degraded), delivered = VALUES(delivered), generated_at = VALUES(generated_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		summary.BriefingDate,
		summary.RunID,
		summary.Report,
		summary.MailTotal,
		summary.MailHigh,
		summary.ReplyNeeded,
		summary.EventTotal,
		summary.EventHigh,
		degradedValue,
		summary.Delivered,
		summary.GeneratedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// Get 查询指定日期的简报摘要。
func (s *SQLReportRepository) Get(ctx context.Context, briefingDate string) (*ReportSummary, error) {
	const stmt = `SELECT briefing_date, run_id, report, mail_total, mail_high, reply_needed, event_total, event_high, degraded, delivered, generated_at
        FROM briefing_reports WHERE briefing_date = ?`

	row := s.db.QueryRowContext(ctx, stmt, briefingDate)
	summary, err := scanReportSummary(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("查询简报摘要失败: %w", err)
	}
	return summary, nil
}

// ListRecent 查询最近的若干条简报摘要。
func (s *SQLReportRepository) ListRecent(ctx context.Context, limit int) ([]ReportSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT briefing_date, run_id, report, mail_total, mail_high, reply_needed, event_total, event_high, degraded, delivered, generated_at
        FROM briefing_reports ORDER BY briefing_date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询简报记录失败: %w", err)
	}
	defer rows.Close()

	var summaries []ReportSummary
	for rows.Next() {
		summary, err := scanReportSummary(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("解析简报记录失败: %w", err)
		}
		summaries = append(summaries, *summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历简报记录失败: %w", err)
	}

	return summaries, nil
}

// Close 关闭底层数据库连接。
func (s *SQLReportRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanReportSummary(scan func(dest ...any) error) (*ReportSummary, error) {
	var summary ReportSummary
	var degraded sql.NullString
	if err := scan(
		&summary.BriefingDate,
		&summary.RunID,
		&summary.Report,
		&summary.MailTotal,
		&summary.MailHigh,
		&summary.ReplyNeeded,
		&summary.EventTotal,
		&summary.EventHigh,
		&degraded,
		&summary.Delivered,
		&summary.GeneratedAt,
	); err != nil {
		return nil, err
	}
	if degraded.Valid && strings.TrimSpace(degraded.String) != "" {
		if err := json.Unmarshal([]byte(degraded.String), &summary.Degraded); err != nil {
			return nil, err
		}
	}
	return &summary, nil
}

func marshalDegraded(degraded []string) (sql.NullString, error) {
	if len(degraded) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(degraded)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

var (
	_ ReportRepository = (*MemoryReportRepository)(nil)
	_ ReportRepository = (*SQLReportRepository)(nil)
)
