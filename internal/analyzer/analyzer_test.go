package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"gunshot-detector/internal/decoder"
	"gunshot-detector/internal/observe"
	"gunshot-detector/internal/staging"
	"gunshot-detector/internal/testutil"
	"gunshot-detector/internal/types"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newAnalyzer(t *testing.T, opts ...Option) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(nil, opts...)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	return a
}

func analyzeWAV(t *testing.T, a *Analyzer, samples []float64) *types.AnalysisResult {
	t.Helper()
	data := testutil.EncodeWAV(t, samples, testutil.Rate, 1)
	res, err := a.Analyze(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return res
}

func TestAnalyzeGunshot(t *testing.T) {
	res := analyzeWAV(t, newAnalyzer(t), testutil.GunshotBurst().Samples())
	if !res.Detected || res.Confidence <= 0.7 {
		t.Fatalf("detected=%v confidence=%v, want detected with confidence > 0.7", res.Detected, res.Confidence)
	}
	if res.Audio.Format != "WAV" || res.Audio.SampleRate != testutil.Rate || res.Audio.Channels != 1 {
		t.Fatalf("unexpected audio info: %+v", res.Audio)
	}
	if math.Abs(res.Audio.Duration-0.5) > 1e-3 {
		t.Fatalf("duration = %v, want 0.5", res.Audio.Duration)
	}
	if len(res.Features) != len(types.FeatureNames()) {
		t.Fatalf("got %d features", len(res.Features))
	}
}

func TestAnalyzeSineTone(t *testing.T) {
	res := analyzeWAV(t, newAnalyzer(t), testutil.Sine(440, 0.8, 2))
	if res.Detected || res.Confidence >= 0.3 {
		t.Fatalf("detected=%v confidence=%v, want not detected with confidence < 0.3", res.Detected, res.Confidence)
	}
}

func TestAnalyzeAttackAtThreshold(t *testing.T) {
	burst := testutil.Burst{
		Duration:   0.5,
		Lead:       0.02,
		AttackMs:   10,
		StartLevel: 0.2,
		DecayMs:    30,
		Peak:       0.95,
		Seed:       7,
	}
	a := newAnalyzer(t)
	samples := burst.Samples()
	base := analyzeWAV(t, a, samples)

	if got := base.Features[types.FeatureAttackTimeMs]; math.Abs(got-10) > 0.1 {
		t.Fatalf("attack_time_ms = %v, want about 10", got)
	}

	// 起音段之外改动一个 16 位最低有效位，两个方向都不应改变判定
	for _, delta := range []float64{1.0 / 32768, -1.0 / 32768} {
		t.Run(fmt.Sprintf("%+.0f LSB", delta*32768), func(t *testing.T) {
			perturbed := append([]float64(nil), samples...)
			i := int(0.4 * testutil.Rate)
			perturbed[i] += delta
			again := analyzeWAV(t, a, perturbed)

			if again.Detected != base.Detected {
				t.Fatalf("decision flipped: %v -> %v", base.Detected, again.Detected)
			}
			if d := math.Abs(again.Confidence - base.Confidence); d >= 1e-3 {
				t.Fatalf("confidence moved by %v", d)
			}
		})
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := newAnalyzer(t)
	data := testutil.EncodeWAV(t, testutil.GunshotBurst().Samples(), testutil.Rate, 1)

	first, err := a.Analyze(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := a.Analyze(context.Background(), bytes.NewReader(data))
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}
		if again.Confidence != first.Confidence || again.Detected != first.Detected {
			t.Fatalf("result changed: %+v -> %+v", first.DetectionResult, again.DetectionResult)
		}
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
		want error
	}{
		{"corrupt", func(*testing.T) []byte { return []byte("RIFF\x00\x00\x00\x00WAVEjunk") }, types.ErrDecode},
		{"not audio", func(*testing.T) []byte { return []byte("hello world, this is text") }, types.ErrDecode},
		{"empty", func(*testing.T) []byte { return nil }, types.ErrDecode},
		{"silence", func(t *testing.T) []byte {
			return testutil.EncodeWAV(t, make([]float64, testutil.Rate/2), testutil.Rate, 1)
		}, types.ErrEmptySignal},
	}
	a := newAnalyzer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Analyze(context.Background(), bytes.NewReader(tt.data(t)))
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAnalyzeMaxDuration(t *testing.T) {
	a := newAnalyzer(t, WithRegistry(decoder.NewDecoderRegistry(decoder.WithMaxDuration(100*time.Millisecond))))
	data := testutil.EncodeWAV(t, testutil.GunshotBurst().Samples(), testutil.Rate, 1)
	_, err := a.Analyze(context.Background(), bytes.NewReader(data))
	if !errors.Is(err, types.ErrInputTooLarge) {
		t.Fatalf("got %v, want input too large", err)
	}
}

func TestAnalyzeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := testutil.EncodeWAV(t, testutil.GunshotBurst().Samples(), testutil.Rate, 1)
	_, err := newAnalyzer(t).Analyze(ctx, bytes.NewReader(data))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestAnalyzeReaderSpillsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	a := newAnalyzer(t, WithStaging(staging.Options{MemoryThreshold: 1024, TempDir: dir}))
	data := testutil.EncodeWAV(t, testutil.GunshotBurst().Samples(), testutil.Rate, 1)

	res, err := a.AnalyzeReader(context.Background(), bytes.NewBuffer(data))
	if err != nil {
		t.Fatalf("AnalyzeReader: %v", err)
	}
	if !res.Detected {
		t.Fatal("expected detection")
	}

	want := analyzeWAV(t, a, testutil.GunshotBurst().Samples())
	if res.Confidence != want.Confidence {
		t.Fatalf("staged confidence %v differs from direct %v", res.Confidence, want.Confidence)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("%d temp files left behind", len(entries))
	}
}

func TestAnalyzeReaderTooLarge(t *testing.T) {
	a := newAnalyzer(t, WithStaging(staging.Options{MemoryThreshold: 1024, MaxBytes: 2048, TempDir: t.TempDir()}))
	data := testutil.EncodeWAV(t, testutil.GunshotBurst().Samples(), testutil.Rate, 1)
	_, err := a.AnalyzeReader(context.Background(), bytes.NewReader(data))
	if !errors.Is(err, types.ErrInputTooLarge) {
		t.Fatalf("got %v, want input too large", err)
	}
}

func TestAnalyzeFile(t *testing.T) {
	path := testutil.WriteWAV(t, testutil.GunshotBurst().Samples(), testutil.Rate, 1)
	res, err := newAnalyzer(t).AnalyzeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("AnalyzeFile: %v", err)
	}
	if !res.Detected {
		t.Fatal("expected detection")
	}

	if _, err := newAnalyzer(t).AnalyzeFile(context.Background(), path+".missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("got %v, want not exist", err)
	}
}

func TestAnalyzeRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	a := newAnalyzer(t, WithMetrics(m))
	analyzeWAV(t, a, testutil.GunshotBurst().Samples())
	analyzeWAV(t, a, testutil.Sine(440, 0.8, 1))
	_, _ = a.Analyze(context.Background(), bytes.NewReader([]byte("garbage input")))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	outcomes := map[string]int64{}
	stages := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch data := met.Data.(type) {
			case metricdata.Sum[int64]:
				if met.Name != "gunshot.analyses" {
					continue
				}
				for _, dp := range data.DataPoints {
					v, _ := dp.Attributes.Value("outcome")
					outcomes[v.AsString()] = dp.Value
				}
			case metricdata.Histogram[float64]:
				if met.Name != "gunshot.analysis.stage.duration" {
					continue
				}
				for _, dp := range data.DataPoints {
					v, _ := dp.Attributes.Value("stage")
					stages[v.AsString()] = dp.Count
				}
			}
		}
	}

	if outcomes[OutcomeDetected] != 1 || outcomes[OutcomeClear] != 1 || outcomes[string(types.KindDecode)] != 1 {
		t.Fatalf("outcomes = %v", outcomes)
	}
	if stages[observe.StageDecode] != 3 || stages[observe.StageClassify] != 2 {
		t.Fatalf("stages = %v", stages)
	}
}
