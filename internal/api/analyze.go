package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gunshot-detector/internal/types"

	"github.com/gin-gonic/gin"
)

// StatusClientClosedRequest 客户端在响应前断开
const StatusClientClosedRequest = 499

// 边界层的错误类别，补充 types.ErrorKind
const (
	kindMissingFile = "missing_file"
	kindBadRequest  = "bad_request"
	kindTimeout     = "timeout"
	kindCanceled    = "canceled"
	kindInternal    = "internal"
)

// AnalyzeResponse 成功响应
type AnalyzeResponse struct {
	Detected   bool                `json:"detected"`
	Confidence float64             `json:"confidence"`
	Features   types.FeatureVector `json:"features"`
	Filename   string              `json:"filename"`
	Timestamp  string              `json:"timestamp"`
	RequestID  string              `json:"request_id"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id"`
}

type analysisOutcome struct {
	res *types.AnalysisResult
	err error
}

// AnalyzeAudio 处理 POST /api/analyze-audio，表单字段 audio
func (s *Server) AnalyzeAudio(c *gin.Context) {
	if s.limits.MaxUploadBytes > 0 {
		if c.Request.ContentLength > s.limits.MaxUploadBytes {
			s.writeError(c, types.NewInputTooLargeError(fmt.Sprintf("请求体超过 %d 字节上限", s.limits.MaxUploadBytes)))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.limits.MaxUploadBytes)
	}

	header, err := c.FormFile("audio")
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			s.writeError(c, types.NewInputTooLargeError(fmt.Sprintf("请求体超过 %d 字节上限", maxErr.Limit)))
		case errors.Is(err, http.ErrMissingFile):
			s.respond(c, http.StatusBadRequest, kindMissingFile, "未提供音频文件", "")
		default:
			s.respond(c, http.StatusBadRequest, kindBadRequest, "无法解析上传表单", err.Error())
		}
		return
	}

	file, err := header.Open()
	if err != nil {
		s.respond(c, http.StatusBadRequest, kindBadRequest, "无法读取上传文件", err.Error())
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.limits.AnalysisTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.Request.Context(), s.limits.AnalysisTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.Request.Context())
	}
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		file.Close()
		s.writeError(c, err)
		return
	}

	done := make(chan analysisOutcome, 1)
	go func() {
		defer s.sem.Release(1)
		defer file.Close()
		res, err := s.analyzer.Analyze(ctx, file)
		done <- analysisOutcome{res: res, err: err}
	}()

	var out analysisOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err != nil {
		s.writeError(c, out.err)
		return
	}

	c.JSON(http.StatusOK, AnalyzeResponse{
		Detected:   out.res.Detected,
		Confidence: out.res.Confidence,
		Features:   out.res.Features,
		Filename:   header.Filename,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:  getRequestID(c),
	})
}

// writeError 把分析错误映射为 HTTP 状态码和错误体
func (s *Server) writeError(c *gin.Context, err error) {
	status, kind, msg := classifyError(err)
	details := types.DetailOf(err)
	if details == "" && status >= http.StatusInternalServerError && !errors.Is(err, context.DeadlineExceeded) {
		details = err.Error()
	}

	log := s.logger.With("request_id", getRequestID(c), "kind", kind)
	if status >= http.StatusInternalServerError {
		log.Error("analysis failed", "status", status, "err", err)
	} else {
		log.Info("analysis rejected", "status", status, "err", err)
	}
	s.respond(c, status, kind, msg, details)
}

func (s *Server) respond(c *gin.Context, status int, kind, msg, details string) {
	c.JSON(status, ErrorResponse{
		Error:     msg,
		Kind:      kind,
		Details:   details,
		RequestID: getRequestID(c),
	})
}

// classifyError 返回状态码、错误类别和面向用户的说明
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, types.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge, string(types.KindInputTooLarge), "音频文件过大"
	case errors.Is(err, types.ErrDecode):
		return http.StatusUnprocessableEntity, string(types.KindDecode), "无法解码音频文件"
	case errors.Is(err, types.ErrEmptySignal):
		return http.StatusUnprocessableEntity, string(types.KindEmptySignal), "音频中没有有效信号"
	case errors.Is(err, types.ErrInvalidFeature):
		return http.StatusInternalServerError, string(types.KindInvalidFeature), "特征提取结果无效"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, kindTimeout, "分析超时"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, kindCanceled, "请求已取消"
	default:
		return http.StatusInternalServerError, kindInternal, "服务器内部错误"
	}
}
