package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gunshot-detector/internal/analyzer"
	"gunshot-detector/internal/classifier"
	"gunshot-detector/internal/decoder"
	"gunshot-detector/internal/observe"
	"gunshot-detector/internal/staging"
	"gunshot-detector/internal/types"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	quiet       bool
	jsonOutput  bool
	modelPath   string
	timeout     time.Duration
	maxDuration time.Duration
	logLevel    string
	version     = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:   "gunshot-detector [file|-]",
	Short: "检测音频中是否包含枪声",
	Long: `gunshot-detector 分析一段录音，判断其中是否包含枪声的声学特征，
并给出置信度和用于判断的特征值。当前支持 WAV, FLAC 格式。

特征包括起音时间、宽带能量突发、瞬态衰减时长和频谱分布。
传入 "-" 时从标准输入读取音频。`,
	Args:          cobra.ExactArgs(1),
	RunE:          runAnalysis,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "静默模式，仅在检测到枪声时输出文件路径")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "以JSON格式输出结果")
	rootCmd.Flags().StringVarP(&modelPath, "model", "m", "", "分类模型 YAML 文件，默认使用内置模型")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "分析超时时间")
	rootCmd.Flags().DurationVar(&maxDuration, "max-duration", 10*time.Minute, "允许的最大音频时长，0 表示不限")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "日志级别 (debug, info, warn, error)")

	rootCmd.SetVersionTemplate("gunshot-detector version {{.Version}}\n")
	rootCmd.Version = version
}

// cliResult JSON 输出
type cliResult struct {
	File string `json:"file"`
	*types.AnalysisResult
	Scores map[string]float64 `json:"scores,omitempty"`
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	target := args[0]
	logger := observe.NewLogger(cmd.ErrOrStderr(), logLevel)

	c, err := loadClassifier(modelPath)
	if err != nil {
		return err
	}

	audioAnalyzer, err := analyzer.NewAnalyzer(c,
		analyzer.WithRegistry(decoder.NewDecoderRegistry(decoder.WithMaxDuration(maxDuration))),
		analyzer.WithLogger(logger),
		analyzer.WithStaging(staging.Options{MemoryThreshold: 8 << 20}),
	)
	if err != nil {
		return err
	}

	input, size, closeInput, err := openInput(cmd, target)
	if err != nil {
		return err
	}
	defer closeInput()

	var bar *progressbar.ProgressBar
	if !quiet && !jsonOutput {
		bar = progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("读取音频"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(50),
			progressbar.OptionClearOnFinish(),
		)
		input = io.TeeReader(input, bar)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := audioAnalyzer.AnalyzeReader(ctx, input)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("分析失败: %w", err)
	}

	scores, err := c.Scores(result.Features)
	if err != nil {
		return fmt.Errorf("计算规则得分失败: %w", err)
	}

	return outputResult(cmd.OutOrStdout(), target, result, scores)
}

// loadClassifier 加载模型文件，路径为空时使用内置模型
func loadClassifier(path string) (*classifier.Classifier, error) {
	if path == "" {
		return classifier.New(nil)
	}
	m, err := classifier.LoadModel(path)
	if err != nil {
		return nil, fmt.Errorf("加载模型失败: %w", err)
	}
	return classifier.New(m)
}

// openInput 打开文件或标准输入，size 未知时为 -1
func openInput(cmd *cobra.Command, target string) (io.Reader, int64, func(), error) {
	if target == "-" {
		return cmd.InOrStdin(), -1, func() {}, nil
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return nil, 0, nil, fmt.Errorf("路径不存在: %s", target)
	}
	if err != nil {
		return nil, 0, nil, err
	}
	if info.IsDir() {
		return nil, 0, nil, fmt.Errorf("需要音频文件而不是目录: %s", target)
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("打开文件失败: %w", err)
	}
	return f, info.Size(), func() {
		if err := f.Close(); err != nil {
			slog.Debug("close input", "err", err)
		}
	}, nil
}

// outputResult 按输出模式输出结果
func outputResult(w io.Writer, target string, result *types.AnalysisResult, scores map[string]float64) error {
	// 静默模式，只在检测到枪声时输出路径
	if quiet {
		if result.Detected {
			fmt.Fprintln(w, target)
		}
		return nil
	}

	if jsonOutput {
		jsonData, err := json.Marshal(cliResult{File: target, AnalysisResult: result, Scores: scores})
		if err != nil {
			return fmt.Errorf("JSON序列化失败: %w", err)
		}
		fmt.Fprintln(w, string(jsonData))
		return nil
	}

	printDetailedResult(w, target, result, scores)
	return nil
}
