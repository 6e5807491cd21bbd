package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"DatasetFlow/internal/auth"
	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/observability/metrics"
	"DatasetFlow/internal/options"
	"DatasetFlow/internal/pipeline"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/pkg/logger"
)

// Server 暴露数据集管理的 REST 接口。
type Server struct {
	addr    string
	service *pipeline.Service
	auth    *auth.Service
	log     *slog.Logger
}

// NewServer 构造 API 服务实例。authSvc 为 nil 时不做认证。
func NewServer(addr string, svc *pipeline.Service, authSvc *auth.Service) *Server {
	return &Server{addr: addr, service: svc, auth: authSvc, log: logger.Named("api")}
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	datasets := s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultPermissions()})
	jobs := s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {auth.PermDatasetsRead},
		http.MethodPost: {auth.PermJobsWrite},
	}})

	route := func(pattern, name string, mw func(http.Handler) http.Handler, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(name, mw(h)))
	}
	route("GET /api/v1/plugins", "plugins", datasets, s.handleListPlugins)
	route("GET /api/v1/plugins/{type}/options", "plugin_options", datasets, s.handlePluginOptions)
	route("GET /api/v1/datasets", "datasets", datasets, s.handleListDatasets)
	route("POST /api/v1/datasets", "datasets", datasets, s.handleCreateDataset)
	route("GET /api/v1/datasets/{key}", "dataset", datasets, s.handleGetDataset)
	route("DELETE /api/v1/datasets/{key}", "dataset", datasets, s.handleDeleteDataset)
	route("GET /api/v1/datasets/{key}/children", "dataset_children", datasets, s.handleChildren)
	route("GET /api/v1/datasets/{key}/compatible", "dataset_compatible", datasets, s.handleCompatible)
	route("GET /api/v1/datasets/{key}/items", "dataset_items", datasets, s.handleItems)
	route("POST /api/v1/datasets/{key}/cancel", "dataset_cancel", datasets, s.handleCancel)
	route("POST /api/v1/datasets/{key}/standalone", "dataset_standalone", datasets, s.handleStandalone)
	route("GET /api/v1/jobs", "jobs", jobs, s.handleListJobs)
	route("POST /api/v1/jobs", "jobs", jobs, s.handleEnqueueJob)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, dataset.CodeDatasetNotFound, job.CodeJobNotFound, plugin.CodePluginNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, dataset.CodeDatasetConflict, plugin.CodePluginIncompatible:
		return http.StatusConflict
	case xerrors.CodeInvalidArgument, options.CodeParametersInvalid:
		return http.StatusBadRequest
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	}
	if xerrors.RetryableError(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Message = coded.Message()
		body.Details = coded.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", append([]any{"path", r.URL.Path, "method", r.Method}, xerrors.LogAttrs(err)...)...)
		body.Message = http.StatusText(status)
		body.Details = nil
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
