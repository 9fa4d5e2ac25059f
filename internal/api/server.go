package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenBrief/internal/errors"
	"OpenBrief/internal/observability/metrics"
	"OpenBrief/internal/run"
	"OpenBrief/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部提交与查询简报运行。
type Server struct {
	addr            string
	runs            *run.Service
	authToken       string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 调整 API 服务的可选行为。
type Option func(*Server)

// WithAuthToken 启用静态令牌鉴权，留空则接口对外开放。
func WithAuthToken(token string) Option {
	return func(s *Server) {
		s.authToken = strings.TrimSpace(token)
	}
}

// WithTimeouts 配置请求读写与优雅退出的超时时间。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithServerLogger 替换默认日志器。
func WithServerLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs *run.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		runs:            runs,
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 10 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// routes 注册全部路由。/healthz 与 /metrics 不做鉴权。
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/briefings", s.requireAuth(s.instrument("briefings", s.handleBriefings)))
	mux.HandleFunc("/api/v1/briefings/", s.requireAuth(s.instrument("briefing_detail", s.handleBriefingDetail)))
	mux.HandleFunc("/healthz", s.instrument("healthz", s.handleHealth))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleBriefings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET/POST")
	}
}

// handleSubmit 处理提交简报运行的请求。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "运行服务未初始化")
		return
	}

	var req run.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	created, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Data: created})
}

// handleList 按过滤条件返回运行列表。
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "运行服务未初始化")
		return
	}

	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}

	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: runs})
}

// handleBriefingDetail 返回单个运行的状态，/stats 子路径返回统计汇总。
func (s *Server) handleBriefingDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "运行服务未初始化")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/briefings/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "缺少运行 ID")
		return
	}
	if rest == "stats" {
		s.handleStats(w, r)
		return
	}
	if strings.ContainsRune(rest, '/') {
		writeError(w, http.StatusNotFound, xerrors.CodeNotFound, "未知的资源路径")
		return
	}

	found, err := s.runs.Get(r.Context(), rest)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: found})
}

// handleStats 返回符合过滤条件的运行统计信息。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}

	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: stats})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, xerrors.CodeInvalidArgument, "仅支持 GET")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAuth 校验静态访问令牌。令牌未配置时直接放行。
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if token != s.authToken {
			logger.Audit().Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
			)
			writeError(w, http.StatusUnauthorized, xerrors.CodeAuthFailure, "无效的访问令牌")
			return
		}
		next.ServeHTTP(w, r)
	}
}

// instrument 记录请求日志与指标。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r)
		duration := time.Since(start)
		metrics.ObserveHTTPRequest(name, r.Method, aw.status, duration)
		s.logger.Info("api_request",
			slog.String("handler", name),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", aw.status),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// parseListOptions 将查询参数转换为运行列表过滤条件。
func parseListOptions(r *http.Request) ([]run.ListOption, error) {
	values := r.URL.Query()
	var opts []run.ListOption

	if raw := values.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, stdErrors.New("limit 参数无效")
		}
		opts = append(opts, run.WithLimit(parsed))
	}
	if raw := values.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, stdErrors.New("offset 参数无效")
		}
		opts = append(opts, run.WithOffset(parsed))
	}
	if raw := values.Get("status"); raw != "" {
		var statuses []run.Status
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			status := run.Status(item)
			if !run.IsValidStatus(status) {
				return nil, stdErrors.New("status 参数无效: " + item)
			}
			statuses = append(statuses, status)
		}
		if len(statuses) > 0 {
			opts = append(opts, run.WithStatuses(statuses...))
		}
	}
	if raw := values.Get("date"); raw != "" {
		opts = append(opts, run.WithBriefingDate(raw))
	}
	if raw := values.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, stdErrors.New("since 参数应为 RFC3339 时间")
		}
		opts = append(opts, run.WithUpdatedSince(ts))
	}
	if raw := values.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, stdErrors.New("until 参数应为 RFC3339 时间")
		}
		opts = append(opts, run.WithUpdatedUntil(ts))
	}
	if raw := values.Get("has_outcome"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, stdErrors.New("has_outcome 参数应为布尔值")
		}
		opts = append(opts, run.WithOutcomePresence(parsed))
	}
	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, run.WithSortOrder(run.SortByUpdatedDesc))
		default:
			return nil, stdErrors.New("order 参数应为 asc 或 desc")
		}
	}
	if raw := values.Get("q"); raw != "" {
		opts = append(opts, run.WithQuery(raw))
	}
	return opts, nil
}

// envelope 是统一的响应包装结构。
type envelope struct {
	Data  any           `json:"data,omitempty"`
	Error *errorPayload `json:"error,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, envelope{Error: &errorPayload{Code: string(code), Message: message}})
}

// writeServiceError 按错误码映射 HTTP 状态。
func writeServiceError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeError(w, statusForCode(code), code, errorMessage(err))
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case run.CodeRunValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case run.CodeRunNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case run.CodeRunConflict, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage 只向调用方暴露稳定的错误说明，不附带内部原因链。
func errorMessage(err error) string {
	if typed, ok := xerrors.From(err); ok {
		return typed.Message()
	}
	return err.Error()
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
