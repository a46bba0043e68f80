package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"VaultOps/internal/auth"
	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/governance"
	"VaultOps/internal/ops"
	"VaultOps/internal/task"
	"VaultOps/pkg/logger"
)

// JobService 是 API 依赖的作业服务能力，*task.Service 满足该接口。
type JobService interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// Catalog 描述可用操作并预览治理提案，*ops.Registry 满足该接口。
type Catalog interface {
	Network() string
	Operations() []ops.Descriptor
	PreviewProposal(ctx context.Context, req ops.PreviewRequest) (governance.Document, error)
}

// HTTPObserver 记录请求指标。
type HTTPObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露 /api/v1 接口。
type Server struct {
	addr     string
	jobs     JobService
	catalog  Catalog
	auth     *auth.Service
	observer HTTPObserver
	metrics  http.Handler
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(observer HTTPObserver, handler http.Handler) Option {
	return func(s *Server) {
		s.observer = observer
		s.metrics = handler
	}
}

// NewServer 构造 API 服务实例。authSvc 为 nil 时不做认证。
func NewServer(addr string, jobs JobService, catalog Catalog, authSvc *auth.Service, opts ...Option) *Server {
	s := &Server{addr: addr, jobs: jobs, catalog: catalog, auth: authSvc, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由树，已包含认证、指标与链路追踪。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	guard := func(event string, perms ...string) func(http.Handler) http.Handler {
		if s.auth == nil {
			return func(h http.Handler) http.Handler { return h }
		}
		return s.auth.Middleware(event, perms...)
	}

	mux.Handle("POST /api/v1/jobs", guard("jobs.submit", auth.PermJobsSubmit)(http.HandlerFunc(s.handleSubmitJob)))
	mux.Handle("GET /api/v1/jobs", guard("jobs.list", auth.PermJobsRead)(http.HandlerFunc(s.handleListJobs)))
	mux.Handle("GET /api/v1/jobs/stats", guard("jobs.stats", auth.PermJobsRead)(http.HandlerFunc(s.handleJobStats)))
	mux.Handle("GET /api/v1/jobs/{id}", guard("jobs.get", auth.PermJobsRead)(http.HandlerFunc(s.handleJobDetail)))
	mux.Handle("GET /api/v1/operations", guard("operations.list", auth.PermJobsRead)(http.HandlerFunc(s.handleOperations)))
	mux.Handle("POST /api/v1/proposals/preview", guard("proposals.preview", auth.PermProposalsPreview)(http.HandlerFunc(s.handlePreview)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return otelhttp.NewHandler(s.instrument(mux), "vaultops.api")
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少作业 ID"))
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"network":    s.catalog.Network(),
		"operations": s.catalog.Operations(),
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req ops.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.catalog.PreviewProposal(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("提案预览", "subject", auth.Actor(r.Context()), "actions", len(doc.Targets))
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.catalog != nil {
		body["network"] = s.catalog.Network()
	}
	if s.jobs != nil {
		stats, err := s.jobs.Stats(r.Context())
		if err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["jobs"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}

func listOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, s := range splitCSV(raw) {
			status := task.Status(s)
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的作业状态: "+s)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("operation"); raw != "" {
		opts = append(opts, task.WithOperations(splitCSV(raw)...))
	}
	if raw := q.Get("network"); raw != "" {
		opts = append(opts, task.WithNetwork(raw))
	}
	for key, apply := range map[string]func(int) task.ListOption{
		"limit":  task.WithLimit,
		"offset": task.WithOffset,
	} {
		if raw := q.Get(key); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
			}
			opts = append(opts, apply(n))
		}
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "since 必须是 unix 秒")
		}
		opts = append(opts, task.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody(xerrors.CodeInitializationFailure, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
