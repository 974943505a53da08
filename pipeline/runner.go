package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"salesforecast/db"
	"salesforecast/ml"
	"salesforecast/monitoring"
	"salesforecast/table"
)

// 失败阶段
const (
	StageQuery     = "query"
	StageSchema    = "schema"
	StageInference = "inference"
	StageArtifact  = "artifact"
	StageAssembly  = "assembly"
)

// Source 执行SQL并返回原始结果表
type Source interface {
	Execute(ctx context.Context, sqlText string) (*table.Table, error)
}

// Recorder 记录每次运行
type Recorder interface {
	Record(ctx context.Context, run db.Run) error
}

// Publisher 推送运行结果
type Publisher interface {
	Publish(msgType monitoring.MessageType, payload any) error
}

// Options 运行器依赖，Source 和 Artifacts 必填
type Options struct {
	Source       Source
	Artifacts    *ml.Artifacts
	Recorder     Recorder
	Publisher    Publisher
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
	QueryTimeout time.Duration
}

// Result 一次成功运行的结果
type Result struct {
	ID        string        `json:"id"`
	Query     string        `json:"query"`
	Table     *table.Table  `json:"table"`
	Duration  time.Duration `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
}

// Summary 推送给WebSocket客户端的结果摘要
type Summary struct {
	ID         string   `json:"id"`
	Rows       int      `json:"rows"`
	Columns    []string `json:"columns"`
	DurationMS int64    `json:"duration_ms"`
}

type failure struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Runner 按顺序执行 查询 -> 特征转换 -> 预测 -> 组装，同一时间只处理一个请求
type Runner struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	last *Result
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Source == nil {
		return nil, errors.New("pipeline: source is required")
	}
	if opts.Artifacts == nil || opts.Artifacts.Transformer == nil || opts.Artifacts.Predictor == nil {
		return nil, errors.New("pipeline: loaded artifacts are required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{opts: opts, log: log}, nil
}

// Run 执行一次完整的预测。错误按原样返回，可用 Stage 判断失败阶段
func (r *Runner) Run(ctx context.Context, sqlText string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	start := time.Now()
	log := r.log.With(zap.String("run_id", id))

	raw, err := r.execute(ctx, sqlText)
	if err != nil {
		return nil, r.fail(ctx, log, id, sqlText, start, StageQuery, err)
	}
	log.Debug("query executed", zap.Int("rows", raw.Len()), zap.Int("columns", len(raw.Columns)))

	features, err := r.opts.Artifacts.Transformer.Transform(raw)
	if err != nil {
		return nil, r.fail(ctx, log, id, sqlText, start, StageSchema, err)
	}

	predictions, err := r.opts.Artifacts.Predictor.Predict(features)
	if err != nil {
		return nil, r.fail(ctx, log, id, sqlText, start, StageInference, err)
	}

	out, err := table.Assemble(raw, predictions)
	if err != nil {
		return nil, r.fail(ctx, log, id, sqlText, start, StageAssembly, err)
	}

	result := &Result{
		ID:        id,
		Query:     sqlText,
		Table:     out,
		Duration:  time.Since(start),
		CreatedAt: start.UTC(),
	}
	r.last = result

	log.Info("prediction complete",
		zap.Int("rows", out.Len()),
		zap.Duration("duration", result.Duration))
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveSuccess(out.Len(), result.Duration)
	}
	r.record(ctx, log, db.Run{
		ID:         id,
		Query:      sqlText,
		Rows:       out.Len(),
		Status:     "ok",
		DurationMS: result.Duration.Milliseconds(),
		CreatedAt:  result.CreatedAt,
	})
	r.publish(log, monitoring.PredictionResult, Summary{
		ID:         id,
		Rows:       out.Len(),
		Columns:    out.Header(),
		DurationMS: result.Duration.Milliseconds(),
	})
	return result, nil
}

func (r *Runner) execute(ctx context.Context, sqlText string) (*table.Table, error) {
	if r.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.QueryTimeout)
		defer cancel()
	}
	return r.opts.Source.Execute(ctx, sqlText)
}

func (r *Runner) fail(ctx context.Context, log *zap.Logger, id, sqlText string, start time.Time, step string, err error) error {
	stage := StageOf(err, step)
	d := time.Since(start)

	log.Warn("prediction failed", zap.String("stage", stage), zap.Error(err))
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveFailure(stage, d)
	}
	// 请求可能已被取消，记录日志时不使用它的上下文
	r.record(context.WithoutCancel(ctx), log, db.Run{
		ID:         id,
		Query:      sqlText,
		Status:     "failed",
		Stage:      stage,
		Error:      err.Error(),
		DurationMS: d.Milliseconds(),
		CreatedAt:  start.UTC(),
	})
	r.publish(log, monitoring.PredictionFailed, failure{ID: id, Stage: stage, Error: err.Error()})
	return err
}

func (r *Runner) record(ctx context.Context, log *zap.Logger, run db.Run) {
	if r.opts.Recorder == nil {
		return
	}
	if err := r.opts.Recorder.Record(ctx, run); err != nil {
		log.Error("failed to record run", zap.Error(err))
	}
}

func (r *Runner) publish(log *zap.Logger, msgType monitoring.MessageType, payload any) {
	if r.opts.Publisher == nil {
		return
	}
	if err := r.opts.Publisher.Publish(msgType, payload); err != nil {
		log.Error("failed to publish result", zap.Error(err))
	}
}

// Last 返回最近一次成功的结果，没有时返回 nil
func (r *Runner) Last() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Artifacts 返回运行器使用的模型和缩放器
func (r *Runner) Artifacts() *ml.Artifacts {
	return r.opts.Artifacts
}

// Stage 返回错误所属的流水线阶段，无法识别时返回空字符串
func Stage(err error) string {
	var (
		queryErr     *db.QueryError
		schemaErr    *ml.SchemaError
		inferenceErr *ml.InferenceError
		artifactErr  *ml.ArtifactLoadError
	)
	switch {
	case errors.As(err, &queryErr):
		return StageQuery
	case errors.As(err, &schemaErr):
		return StageSchema
	case errors.As(err, &inferenceErr):
		return StageInference
	case errors.As(err, &artifactErr):
		return StageArtifact
	}
	return ""
}

// StageOf 与 Stage 相同，但在无法识别时返回 fallback
func StageOf(err error, fallback string) string {
	if s := Stage(err); s != "" {
		return s
	}
	return fallback
}

// Describe 生成面向用户的错误描述
func Describe(err error) string {
	switch Stage(err) {
	case StageQuery:
		return fmt.Sprintf("query failed: %v", err)
	case StageSchema:
		return fmt.Sprintf("query result does not match the model schema: %v", err)
	case StageInference:
		return fmt.Sprintf("model inference failed: %v", err)
	case StageArtifact:
		return fmt.Sprintf("model artifacts unavailable: %v", err)
	}
	return err.Error()
}
