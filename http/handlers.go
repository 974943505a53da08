package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"salesforecast/db"
	"salesforecast/ml"
	"salesforecast/monitoring"
	"salesforecast/pipeline"
	"salesforecast/table"
)

const maxQueryBytes = 1 << 20

// Runner 预测流水线
type Runner interface {
	Run(ctx context.Context, sqlText string) (*pipeline.Result, error)
	Last() *pipeline.Result
	Artifacts() *ml.Artifacts
}

// RunLister 运行记录
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]db.Run, error)
}

// Handlers 持有所有路由依赖。Runs、Hub、Metrics 可以为空
type Handlers struct {
	Runner  Runner
	Runs    RunLister
	Hub     *monitoring.Hub
	Metrics *monitoring.Metrics
	Export  table.CSVOptions
	Logger  *zap.Logger
}

// Register 注册所有路由
func (h *Handlers) Register(mux *http.ServeMux) {
	h.handle(mux, "GET /api/health", h.handleHealth)
	h.handle(mux, "POST /api/predict", h.handlePredict)
	h.handle(mux, "GET /api/result", h.handleResult)
	h.handle(mux, "GET /api/result.csv", h.handleResultCSV)
	h.handle(mux, "GET /api/result.txt", h.handleResultText)
	h.handle(mux, "GET /api/runs", h.handleRuns)
	if h.Hub != nil {
		mux.Handle("GET /api/ws", h.Hub)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics.Handler())
	}
}

func (h *Handlers) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	if h.Metrics == nil {
		mux.HandleFunc(pattern, fn)
		return
	}
	route := pattern[strings.IndexByte(pattern, ' ')+1:]
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		fn(rw, r)
		h.Metrics.ObserveRequest(route, strconv.Itoa(rw.statusCode))
	})
}

func (h *Handlers) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	a := h.Runner.Artifacts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"schema":   a.Schema.Version,
		"model":    a.ModelPath,
		"scaler":   a.ScalerPath,
		"features": a.Model.NumFeatures(),
	})
}

type predictRequest struct {
	Query string `json:"query"`
}

type resultResponse struct {
	ID         string       `json:"id"`
	Query      string       `json:"query"`
	Rows       int          `json:"rows"`
	Truncated  bool         `json:"truncated,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	CreatedAt  time.Time    `json:"created_at"`
	Table      *table.Table `json:"table"`
}

func newResultResponse(res *pipeline.Result, limit int) resultResponse {
	out := resultResponse{
		ID:         res.ID,
		Query:      res.Query,
		Rows:       res.Table.Len(),
		DurationMS: res.Duration.Milliseconds(),
		CreatedAt:  res.CreatedAt,
		Table:      res.Table,
	}
	if limit > 0 && limit < res.Table.Len() {
		out.Table = &table.Table{Columns: res.Table.Columns, Rows: res.Table.Rows[:limit]}
		out.Truncated = true
	}
	return out
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	body := http.MaxBytesReader(w, r.Body, maxQueryBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required", pipeline.StageQuery)
		return
	}

	limit, err := intParam(r, "rows", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	res, err := h.Runner.Run(r.Context(), req.Query)
	if err != nil {
		h.log().Debug("predict request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err))
		writeError(w, statusFor(err), pipeline.Describe(err), pipeline.Stage(err))
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res, limit))
}

func (h *Handlers) last(w http.ResponseWriter) *pipeline.Result {
	res := h.Runner.Last()
	if res == nil {
		writeError(w, http.StatusNotFound, "no prediction has been run yet", "")
	}
	return res
}

func (h *Handlers) handleResult(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "rows", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	res := h.last(w)
	if res == nil {
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res, limit))
}

func (h *Handlers) handleResultCSV(w http.ResponseWriter, r *http.Request) {
	opts := h.Export
	if enc := r.URL.Query().Get("encoding"); enc != "" {
		opts.Encoding = enc
	}
	if _, err := table.LookupEncoding(opts.Encoding); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	res := h.last(w)
	if res == nil {
		return
	}

	charset := opts.Encoding
	if charset == "" {
		charset = "utf-8"
	}
	w.Header().Set("Content-Type", "text/csv; charset="+charset)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="prediction_%s.csv"`, res.ID))
	if err := table.WriteCSV(w, res.Table, opts); err != nil {
		h.log().Error("csv export failed", zap.String("run_id", res.ID), zap.Error(err))
	}
}

func (h *Handlers) handleResultText(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "rows", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	res := h.last(w)
	if res == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := table.Render(w, res.Table, limit); err != nil {
		h.log().Error("render failed", zap.String("run_id", res.ID), zap.Error(err))
	}
}

func (h *Handlers) handleRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeError(w, http.StatusNotFound, "run log is disabled", "")
		return
	}
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	runs, err := h.Runs.Recent(r.Context(), limit)
	if err != nil {
		h.log().Error("run log read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read run log", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// statusFor 将流水线错误映射为HTTP状态码
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch pipeline.Stage(err) {
	case pipeline.StageQuery:
		return http.StatusBadRequest
	case pipeline.StageSchema, pipeline.StageInference:
		return http.StatusUnprocessableEntity
	case pipeline.StageArtifact:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, stage string) {
	body := map[string]string{"error": msg}
	if stage != "" {
		body["stage"] = stage
	}
	writeJSON(w, status, body)
}
