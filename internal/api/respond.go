package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/task"
	"VaultOps/pkg/logger"
)

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(code xerrors.Code, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": string(code), "message": message}}
}

// statusOf 把错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation, xerrors.CodeWeightsInvalid:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeForbidden:
		return http.StatusForbidden
	case xerrors.CodeNotFound, task.CodeTaskNotFound, xerrors.CodeDeploymentNotFound, xerrors.CodeArtifactNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeNetworkForbidden:
		return http.StatusUnprocessableEntity
	case task.CodeTaskPublish, xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败", "code", code, "error", err)
	}
	writeJSON(w, status, errorBody(code, err.Error()))
}

// instrument 记录每个路由的请求量与耗时，路由名使用注册时的模式。
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.observer.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
