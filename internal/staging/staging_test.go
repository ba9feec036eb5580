package staging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"gunshot-detector/internal/types"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func readAll(t *testing.T, src *Source) []byte {
	t.Helper()
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return got
}

func tempEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestStage(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		threshold int64
		spilled   bool
	}{
		{"empty", 0, 1024, false},
		{"below threshold", 100, 1024, false},
		{"at threshold", 1024, 1024, false},
		{"above threshold", 1025, 1024, true},
		{"much larger", 64 << 10, 1024, true},
		{"zero threshold", 10, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			data := payload(tt.size)

			src, err := Stage(context.Background(), bytes.NewReader(data), Options{
				MemoryThreshold: tt.threshold,
				TempDir:         dir,
			})
			if err != nil {
				t.Fatalf("Stage: %v", err)
			}
			if src.Spilled() != tt.spilled {
				t.Fatalf("Spilled() = %v, want %v", src.Spilled(), tt.spilled)
			}
			if src.Size() != int64(tt.size) {
				t.Fatalf("Size() = %d, want %d", src.Size(), tt.size)
			}
			if got := readAll(t, src); !bytes.Equal(got, data) {
				t.Fatal("staged content differs from input")
			}
			// 可以重复读取
			if got := readAll(t, src); !bytes.Equal(got, data) {
				t.Fatal("second read differs from input")
			}

			path := src.Path()
			if err := src.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := src.Close(); err != nil {
				t.Fatalf("second Close: %v", err)
			}
			if path != "" {
				if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
					t.Fatalf("temp file %s still exists", path)
				}
			}
			if n := tempEntries(t, dir); n != 0 {
				t.Fatalf("%d files left in temp dir", n)
			}
		})
	}
}

func TestStageTooLarge(t *testing.T) {
	tests := []struct {
		name      string
		threshold int64
	}{
		{"in memory", 1 << 20},
		{"spilled", 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Stage(context.Background(), bytes.NewReader(payload(1001)), Options{
				MemoryThreshold: tt.threshold,
				MaxBytes:        1000,
				TempDir:         dir,
			})
			if !errors.Is(err, types.ErrInputTooLarge) {
				t.Fatalf("got %v, want input too large", err)
			}
			if n := tempEntries(t, dir); n != 0 {
				t.Fatalf("%d files left in temp dir", n)
			}
		})
	}
}

func TestStageExactlyAtLimit(t *testing.T) {
	src, err := Stage(context.Background(), bytes.NewReader(payload(1000)), Options{
		MemoryThreshold: 16,
		MaxBytes:        1000,
		TempDir:         t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer src.Close()
	if src.Size() != 1000 {
		t.Fatalf("Size() = %d", src.Size())
	}
}

// cancelAfter 读出 n 字节后取消 ctx
type cancelAfter struct {
	r      io.Reader
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) Read(p []byte) (int, error) {
	if len(p) > 64 {
		p = p[:64]
	}
	n, err := c.r.Read(p)
	c.n -= n
	if c.n <= 0 {
		c.cancel()
	}
	return n, err
}

func TestStageCancelledRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &cancelAfter{r: bytes.NewReader(payload(8 << 10)), n: 2048, cancel: cancel}
	_, err := Stage(ctx, r, Options{MemoryThreshold: 512, TempDir: dir})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if n := tempEntries(t, dir); n != 0 {
		t.Fatalf("%d files left in temp dir", n)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStageReadError(t *testing.T) {
	r := io.MultiReader(bytes.NewReader(payload(100)), failingReader{})
	dir := t.TempDir()
	if _, err := Stage(context.Background(), r, Options{MemoryThreshold: 10, TempDir: dir}); err == nil {
		t.Fatal("expected error")
	}
	if n := tempEntries(t, dir); n != 0 {
		t.Fatalf("%d files left in temp dir", n)
	}
}
