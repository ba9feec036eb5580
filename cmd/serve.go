package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gunshot-detector/internal/analyzer"
	"gunshot-detector/internal/api"
	"gunshot-detector/internal/classifier"
	"gunshot-detector/internal/config"
	"gunshot-detector/internal/decoder"
	"gunshot-detector/internal/observe"
	"gunshot-detector/internal/staging"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP 检测服务",
	Long: `启动 HTTP 服务，通过 POST /api/analyze-audio 上传音频（表单字段 audio）进行检测。
配置从 YAML 文件读取，GUNSHOT_* 环境变量优先于文件。`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件 (YAML)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := string(cfg.LogLevel)
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	logger := observe.NewLogger(cmd.ErrOrStderr(), level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceName:     cfg.Telemetry.ServiceName,
		ServiceVersion:  version,
		MetricsExporter: observe.MetricsExporter(cfg.Telemetry.MetricsExporter),
	})
	if err != nil {
		return fmt.Errorf("初始化遥测失败: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := telemetry.Metrics

	c, err := loadClassifier(cfg.Model.Path)
	if err != nil {
		return err
	}
	logger.Info("model loaded", "version", c.Model().Version, "path", cfg.Model.Path)

	audioAnalyzer, err := analyzer.NewAnalyzer(c,
		analyzer.WithRegistry(decoder.NewDecoderRegistry(
			decoder.WithMaxDuration(cfg.Limits.MaxDuration),
			decoder.WithMaxSamples(cfg.Limits.MaxSamples),
		)),
		analyzer.WithMetrics(metrics),
		analyzer.WithLogger(logger),
		analyzer.WithStaging(staging.Options{
			MemoryThreshold: cfg.Limits.MemoryThreshold,
			MaxBytes:        cfg.Limits.MaxUploadBytes,
			TempDir:         cfg.Limits.TempDir,
		}),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.NewHandler(audioAnalyzer, api.Options{
			Limits:         cfg.Limits,
			Metrics:        metrics,
			Logger:         logger,
			MetricsHandler: telemetry.MetricsHandler,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	var watcher *classifier.Watcher
	if cfg.Model.Path != "" {
		watcher, err = classifier.NewWatcher(cfg.Model.Path, c,
			classifier.WithInterval(cfg.Model.ReloadInterval),
			classifier.WithLogger(logger),
			classifier.WithOnReload(func(old, new *classifier.Model) {
				metrics.RecordModelReload(ctx, "ok")
				logger.Info("model swapped", "old_version", old.Version, "new_version", new.Version)
			}),
			classifier.WithOnError(func(error) {
				metrics.RecordModelReload(ctx, "error")
			}),
		)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务异常退出: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	return g.Wait()
}
