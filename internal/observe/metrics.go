// Package observe 提供检测服务的可观测性基础设施：OpenTelemetry 指标与追踪、
// 结构化日志，以及把它们串起来的 HTTP 中间件。
//
// 指标通过 OpenTelemetry Metrics API 记录，[Setup] 按配置接入 Prometheus
// exporter，由 /metrics 抓取。测试应使用 [NewMetrics] 和独立的 MeterProvider。
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName 所有指标的 instrumentation scope
const meterName = "gunshot-detector"

// 分析阶段
const (
	StageDecode   = "decode"
	StageExtract  = "extract"
	StageClassify = "classify"
)

// Metrics 应用的全部指标，字段可并发使用
type Metrics struct {
	// StageDuration 各阶段耗时，属性 stage
	StageDuration metric.Float64Histogram

	// Analyses 完成的分析次数，属性 outcome（detected、clear 或错误类型）
	Analyses metric.Int64Counter

	// Confidence 置信度分布
	Confidence metric.Float64Histogram

	// ActiveAnalyses 正在进行的分析数
	ActiveAnalyses metric.Int64UpDownCounter

	// ModelReloads 模型热加载次数，属性 status
	ModelReloads metric.Int64Counter

	// HTTPRequestDuration HTTP 请求耗时，属性 method、route、status。route 取自路由表，未注册路径为 unmatched
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets 秒为单位
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

var confidenceBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewMetrics 使用给定的 MeterProvider 创建全部指标
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("gunshot.analysis.stage.duration",
		metric.WithDescription("Latency of each analysis stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Analyses, err = m.Int64Counter("gunshot.analyses",
		metric.WithDescription("Completed analyses by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Confidence, err = m.Float64Histogram("gunshot.confidence",
		metric.WithDescription("Distribution of detection confidence."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveAnalyses, err = m.Int64UpDownCounter("gunshot.active_analyses",
		metric.WithDescription("Number of analyses in progress."),
	); err != nil {
		return nil, err
	}
	if met.ModelReloads, err = m.Int64Counter("gunshot.model.reloads",
		metric.WithDescription("Model hot reload attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("gunshot.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics 基于全局 MeterProvider 的共享实例
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordStage 记录一个阶段的耗时
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordOutcome 记录一次分析的结果
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string) {
	m.Analyses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordModelReload 记录一次模型重载
func (m *Metrics) RecordModelReload(ctx context.Context, status string) {
	m.ModelReloads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
