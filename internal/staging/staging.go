// Package staging 把一次性的输入流暂存为可 Seek 的音频源。
// 小输入留在内存，超过阈值时连同剩余数据落盘到临时文件。
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gunshot-detector/internal/types"
)

// Options 暂存参数
type Options struct {
	// MemoryThreshold 内存中最多保留的字节数，超过后落盘
	MemoryThreshold int64
	// MaxBytes 输入上限，0 表示不限
	MaxBytes int64
	// TempDir 临时文件目录，空表示 os.TempDir()
	TempDir string
}

// Source 暂存后的音频源，使用完毕必须 Close
type Source struct {
	io.ReadSeeker
	size int64
	file *os.File
}

// Size 输入总字节数
func (s *Source) Size() int64 { return s.size }

// Spilled 是否落盘
func (s *Source) Spilled() bool { return s.file != nil }

// Path 临时文件路径，未落盘时为空
func (s *Source) Path() string {
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

// Close 关闭并删除临时文件，可重复调用
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	closeErr := f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除临时文件失败: %w", err)
	}
	return closeErr
}

// Stage 读取 r 的全部内容。任何错误或取消都不会留下临时文件。
func Stage(ctx context.Context, r io.Reader, opts Options) (*Source, error) {
	if opts.MemoryThreshold < 0 {
		opts.MemoryThreshold = 0
	}
	cr := &ctxReader{ctx: ctx, r: r}

	// 多读一个字节用于判断是否超过阈值
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(cr, opts.MemoryThreshold+1))
	if err != nil {
		return nil, fmt.Errorf("读取输入失败: %w", err)
	}
	if err := checkLimit(n, opts.MaxBytes); err != nil {
		return nil, err
	}
	if n <= opts.MemoryThreshold {
		return &Source{ReadSeeker: bytes.NewReader(buf.Bytes()), size: n}, nil
	}

	return spill(cr, buf.Bytes(), opts)
}

func spill(r io.Reader, head []byte, opts Options) (src *Source, err error) {
	f, err := os.CreateTemp(opts.TempDir, "gunshot-*.audio")
	if err != nil {
		return nil, fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(head); err != nil {
		return nil, fmt.Errorf("写入临时文件失败: %w", err)
	}

	rest := r
	if opts.MaxBytes > 0 {
		// 同样多读一个字节来识别超限
		rest = io.LimitReader(r, opts.MaxBytes-int64(len(head))+1)
	}
	n, err := io.Copy(f, rest)
	if err != nil {
		return nil, fmt.Errorf("写入临时文件失败: %w", err)
	}
	size := int64(len(head)) + n
	if err = checkLimit(size, opts.MaxBytes); err != nil {
		return nil, err
	}

	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("重置临时文件读取位置失败: %w", err)
	}
	return &Source{ReadSeeker: f, size: size, file: f}, nil
}

func checkLimit(n, limit int64) error {
	if limit > 0 && n > limit {
		return types.NewInputTooLargeError(fmt.Sprintf("输入超过 %d 字节上限", limit))
	}
	return nil
}

// ctxReader 每次读取前检查 ctx
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
