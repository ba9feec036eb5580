// Package config 加载检测服务的配置：YAML 文件，之后应用 GUNSHOT_* 环境变量覆盖。
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel 日志级别
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid 是否为已知级别
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config 服务配置
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Limits    LimitsConfig    `yaml:"limits"`
	Model     ModelConfig     `yaml:"model"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig HTTP 服务参数
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LimitsConfig 输入与资源限制
type LimitsConfig struct {
	// MaxUploadBytes 单次上传的最大字节数
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	// MaxDuration 解码后音频的最大时长
	MaxDuration time.Duration `yaml:"max_duration"`
	// MaxSamples 解码后所有声道合计的最大采样数
	MaxSamples int64 `yaml:"max_samples"`
	// MemoryThreshold 超过该大小的输入落盘到临时文件
	MemoryThreshold int64 `yaml:"memory_threshold"`
	// TempDir 临时文件目录，空表示系统默认
	TempDir         string        `yaml:"temp_dir"`
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`
	// MaxConcurrent 同时进行的分析数
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ModelConfig 分类模型来源。Path 为空时使用内置模型且不监视文件。
type ModelConfig struct {
	Path           string        `yaml:"path"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// TelemetryConfig 指标与追踪
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	// MetricsExporter prometheus 或 none
	MetricsExporter string `yaml:"metrics_exporter"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Limits: LimitsConfig{
			MaxUploadBytes:  50 << 20,
			MaxDuration:     10 * time.Minute,
			MaxSamples:      1 << 26,
			MemoryThreshold: 8 << 20,
			AnalysisTimeout: 30 * time.Second,
			MaxConcurrent:   runtime.NumCPU(),
		},
		Model: ModelConfig{
			ReloadInterval: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "gunshot-detector",
			MetricsExporter: "prometheus",
		},
	}
}

// Load 读取 YAML 配置文件。path 为空时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件 %q 失败: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %q 失败: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader 在默认值之上解码 YAML，应用环境变量覆盖并校验
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置 YAML 失败: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置，返回所有问题的合并错误
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q 无效，可选值: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Server.Address == "" {
		errs = append(errs, errors.New("server.address 不能为空"))
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout 必须为正数"))
	}
	if cfg.Limits.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("limits.max_upload_bytes 必须为正数"))
	}
	if cfg.Limits.MemoryThreshold < 0 {
		errs = append(errs, errors.New("limits.memory_threshold 不能为负数"))
	}
	if cfg.Limits.MaxDuration < 0 {
		errs = append(errs, errors.New("limits.max_duration 不能为负数"))
	}
	if cfg.Limits.MaxSamples <= 0 {
		errs = append(errs, errors.New("limits.max_samples 必须为正数"))
	}
	if cfg.Limits.AnalysisTimeout <= 0 {
		errs = append(errs, errors.New("limits.analysis_timeout 必须为正数"))
	}
	if cfg.Limits.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_concurrent %d 必须为正数", cfg.Limits.MaxConcurrent))
	}
	if cfg.Model.Path != "" && cfg.Model.ReloadInterval <= 0 {
		errs = append(errs, errors.New("设置 model.path 时 model.reload_interval 必须为正数"))
	}
	switch cfg.Telemetry.MetricsExporter {
	case "prometheus", "none":
	default:
		errs = append(errs, fmt.Errorf("telemetry.metrics_exporter %q 无效，可选值: prometheus, none", cfg.Telemetry.MetricsExporter))
	}

	return errors.Join(errs...)
}

// applyEnv 应用 GUNSHOT_* 环境变量
func applyEnv(cfg *Config) error {
	var errs []error

	cfg.LogLevel = LogLevel(getEnv("GUNSHOT_LOG_LEVEL", string(cfg.LogLevel)))
	cfg.Server.Address = getEnv("GUNSHOT_ADDRESS", cfg.Server.Address)
	cfg.Limits.TempDir = getEnv("GUNSHOT_TEMP_DIR", cfg.Limits.TempDir)
	cfg.Model.Path = getEnv("GUNSHOT_MODEL_PATH", cfg.Model.Path)
	cfg.Telemetry.MetricsExporter = getEnv("GUNSHOT_METRICS_EXPORTER", cfg.Telemetry.MetricsExporter)

	if v := getEnv("GUNSHOT_MAX_UPLOAD_BYTES", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GUNSHOT_MAX_UPLOAD_BYTES: %w", err))
		} else {
			cfg.Limits.MaxUploadBytes = n
		}
	}
	if v := getEnv("GUNSHOT_MAX_SAMPLES", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GUNSHOT_MAX_SAMPLES: %w", err))
		} else {
			cfg.Limits.MaxSamples = n
		}
	}
	if v := getEnv("GUNSHOT_MAX_CONCURRENT", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GUNSHOT_MAX_CONCURRENT: %w", err))
		} else {
			cfg.Limits.MaxConcurrent = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"GUNSHOT_MAX_DURATION", &cfg.Limits.MaxDuration},
		{"GUNSHOT_ANALYSIS_TIMEOUT", &cfg.Limits.AnalysisTimeout},
		{"GUNSHOT_MODEL_RELOAD_INTERVAL", &cfg.Model.ReloadInterval},
	}
	for _, d := range durations {
		v := getEnv(d.key, "")
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		*d.dst = parsed
	}

	return errors.Join(errs...)
}

// getEnv 返回环境变量的值，未设置时返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
