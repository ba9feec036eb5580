package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsExporter 指标导出方式
type MetricsExporter string

const (
	// ExporterPrometheus 通过独立 registry 在 /metrics 暴露
	ExporterPrometheus MetricsExporter = "prometheus"
	// ExporterNone 只在进程内记录，/metrics 返回 404
	ExporterNone MetricsExporter = "none"
)

// IsValid 是否为已知导出方式
func (e MetricsExporter) IsValid() bool {
	return e == ExporterPrometheus || e == ExporterNone
}

// ProviderConfig 遥测参数
type ProviderConfig struct {
	// ServiceName 默认 "gunshot-detector"
	ServiceName    string
	ServiceVersion string

	// MetricsExporter 空值按 prometheus 处理
	MetricsExporter MetricsExporter
	// Reader 非 nil 时追加到 MeterProvider，测试用 ManualReader 读取
	Reader sdkmetric.Reader

	// TraceExporter 为 nil 时 span 只记录不导出
	TraceExporter sdktrace.SpanExporter
}

// Telemetry 检测服务的指标、追踪和 /metrics 处理器
type Telemetry struct {
	Metrics *Metrics
	// MetricsHandler 挂在 /metrics 上
	MetricsHandler http.Handler

	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// Setup 按配置创建 MeterProvider 和 TracerProvider 并设为全局，
// 同时创建检测指标。Prometheus 使用进程私有的 registry，
// /metrics 只包含本服务的指标和 Go 运行时指标。
func Setup(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = meterName
	}
	if cfg.MetricsExporter == "" {
		cfg.MetricsExporter = ExporterPrometheus
	}
	if !cfg.MetricsExporter.IsValid() {
		return nil, fmt.Errorf("未知的指标导出方式 %q", cfg.MetricsExporter)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("创建遥测 resource 失败: %w", err)
	}

	t := &Telemetry{MetricsHandler: http.NotFoundHandler()}
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(cfg.Reader))
	}
	if cfg.MetricsExporter == ExporterPrometheus {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("创建 Prometheus exporter 失败: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(exp))
		t.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	t.meterProvider = sdkmetric.NewMeterProvider(mpOpts...)

	if t.Metrics, err = NewMetrics(t.meterProvider); err != nil {
		_ = t.meterProvider.Shutdown(ctx)
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	t.tracerProvider = sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(t.meterProvider)
	otel.SetTracerProvider(t.tracerProvider)
	return t, nil
}

// Shutdown 刷新并关闭 provider
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}
