package types

import (
	"errors"
	"fmt"
)

// ErrorKind 错误类别
type ErrorKind string

const (
	// KindDecode 输入不是受支持的音频容器或已损坏，不可重试
	KindDecode ErrorKind = "decode_error"
	// KindEmptySignal 没有采样或整段静音，不可重试
	KindEmptySignal ErrorKind = "empty_signal"
	// KindInvalidFeature 特征向量缺键或越界，属于内部契约错误
	KindInvalidFeature ErrorKind = "invalid_feature"
	// KindInputTooLarge 输入超过大小或时长上限
	KindInputTooLarge ErrorKind = "input_too_large"
)

// AnalysisError 分析过程中的结构化错误
type AnalysisError struct {
	Kind   ErrorKind
	Detail string // 可展示给调用方的说明
	Err    error  // 底层错误
}

// 按类别匹配的哨兵错误，配合 errors.Is 使用
var (
	ErrDecode         = &AnalysisError{Kind: KindDecode}
	ErrEmptySignal    = &AnalysisError{Kind: KindEmptySignal}
	ErrInvalidFeature = &AnalysisError{Kind: KindInvalidFeature}
	ErrInputTooLarge  = &AnalysisError{Kind: KindInputTooLarge}
)

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Is 只比较错误类别
func (e *AnalysisError) Is(target error) bool {
	t, ok := target.(*AnalysisError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewDecodeError 创建解码错误
func NewDecodeError(detail string, err error) *AnalysisError {
	return &AnalysisError{Kind: KindDecode, Detail: detail, Err: err}
}

// NewEmptySignalError 创建空信号错误
func NewEmptySignalError(detail string) *AnalysisError {
	return &AnalysisError{Kind: KindEmptySignal, Detail: detail}
}

// NewInvalidFeatureError 创建特征无效错误
func NewInvalidFeatureError(detail string) *AnalysisError {
	return &AnalysisError{Kind: KindInvalidFeature, Detail: detail}
}

// NewInputTooLargeError 创建输入超限错误
func NewInputTooLargeError(detail string) *AnalysisError {
	return &AnalysisError{Kind: KindInputTooLarge, Detail: detail}
}

// KindOf 返回错误链中第一个 AnalysisError 的类别，没有则返回空串
func KindOf(err error) ErrorKind {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// DetailOf 返回错误链中第一个 AnalysisError 的说明
func DetailOf(err error) string {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae.Detail
	}
	return ""
}
