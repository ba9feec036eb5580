package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gunshot-detector/internal/classifier"
	"gunshot-detector/internal/decoder"
	"gunshot-detector/internal/features"
	"gunshot-detector/internal/observe"
	"gunshot-detector/internal/staging"
	"gunshot-detector/internal/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// 分析结论，用作指标的 outcome 属性
const (
	OutcomeDetected = "detected"
	OutcomeClear    = "clear"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// Analyzer 音频分析器：解码 -> 特征提取 -> 分类。可并发使用。
type Analyzer struct {
	registry   *decoder.DecoderRegistry
	extractor  *features.Extractor
	classifier *classifier.Classifier
	metrics    *observe.Metrics
	logger     *slog.Logger
	staging    staging.Options
}

// Option 配置 Analyzer
type Option func(*Analyzer)

// WithRegistry 使用指定的解码器注册表（例如带时长上限的）
func WithRegistry(r *decoder.DecoderRegistry) Option {
	return func(a *Analyzer) {
		if r != nil {
			a.registry = r
		}
	}
}

// WithMetrics 使用指定的指标实例
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithStaging 设置 AnalyzeReader 的暂存参数
func WithStaging(opts staging.Options) Option {
	return func(a *Analyzer) {
		a.staging = opts
	}
}

// NewAnalyzer 创建分析器，c 为 nil 时使用默认模型
func NewAnalyzer(c *classifier.Classifier, opts ...Option) (*Analyzer, error) {
	if c == nil {
		var err error
		if c, err = classifier.New(nil); err != nil {
			return nil, err
		}
	}
	a := &Analyzer{
		registry:   decoder.NewDecoderRegistry(),
		classifier: c,
		logger:     slog.Default(),
		staging:    staging.Options{MemoryThreshold: 8 << 20},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.extractor = features.NewExtractor(a.registry)
	return a, nil
}

// Classifier 返回分析器使用的分类器
func (a *Analyzer) Classifier() *classifier.Classifier {
	return a.classifier
}

// AnalyzeFile 分析音频文件
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (*types.AnalysisResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()
	return a.Analyze(ctx, f)
}

// AnalyzeReader 先暂存不可 Seek 的输入（内存或临时文件），再分析
func (a *Analyzer) AnalyzeReader(ctx context.Context, r io.Reader) (*types.AnalysisResult, error) {
	src, err := staging.Stage(ctx, r, a.staging)
	if err != nil {
		a.record(ctx, nil, err)
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			a.logger.Warn("staging cleanup failed", "path", src.Path(), "err", err)
		}
	}()
	return a.Analyze(ctx, src)
}

// Analyze 分析一段音频。在解码前、解码后以及特征提取与分类之间检查 ctx；
// 取消时直接返回 ctx.Err()。
func (a *Analyzer) Analyze(ctx context.Context, src io.ReadSeeker) (res *types.AnalysisResult, err error) {
	ctx, span := observe.StartSpan(ctx, "analyzer.Analyze")
	defer span.End()

	a.metrics.ActiveAnalyses.Add(ctx, 1)
	defer a.metrics.ActiveAnalyses.Add(ctx, -1)

	defer func() {
		a.record(ctx, res, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetAttributes(
			attribute.Bool("gunshot.detected", res.Detected),
			attribute.Float64("gunshot.confidence", res.Confidence),
		)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sample, err := runStage(ctx, a, observe.StageDecode, func() (*types.AudioSample, error) {
		return a.registry.Decode(src)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("audio.format", sample.Format),
		attribute.Int("audio.sample_rate", sample.SampleRate),
		attribute.Int("audio.channels", sample.Channels),
	)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fv, err := runStage(ctx, a, observe.StageExtract, func() (types.FeatureVector, error) {
		return a.extractor.Extract(sample)
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detection, err := runStage(ctx, a, observe.StageClassify, func() (types.DetectionResult, error) {
		return a.classifier.Classify(fv)
	})
	if err != nil {
		return nil, err
	}

	return &types.AnalysisResult{
		DetectionResult: detection,
		Audio:           sample.Info(),
	}, nil
}

// runStage 在子 span 中执行一个阶段并记录耗时
func runStage[T any](ctx context.Context, a *Analyzer, stage string, fn func() (T, error)) (T, error) {
	ctx, span := observe.StartSpan(ctx, "analyzer."+stage, trace.WithAttributes(attribute.String("stage", stage)))
	defer span.End()

	start := time.Now()
	v, err := fn()
	a.metrics.RecordStage(ctx, stage, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

// record 记录结论指标和日志
func (a *Analyzer) record(ctx context.Context, res *types.AnalysisResult, err error) {
	log := observe.Logger(ctx, a.logger)
	outcome := outcomeOf(res, err)
	a.metrics.RecordOutcome(ctx, outcome)

	if err != nil {
		log.Debug("analysis failed", "outcome", outcome, "err", err)
		return
	}
	a.metrics.Confidence.Record(ctx, res.Confidence)
	log.Debug("analysis finished",
		"detected", res.Detected,
		"confidence", res.Confidence,
		"format", res.Audio.Format,
		"duration", res.Audio.Duration,
	)
}

// outcomeOf 把结果或错误映射为指标标签
func outcomeOf(res *types.AnalysisResult, err error) string {
	switch {
	case err == nil && res != nil && res.Detected:
		return OutcomeDetected
	case err == nil:
		return OutcomeClear
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	}
	if kind := types.KindOf(err); kind != "" {
		return string(kind)
	}
	return OutcomeError
}
