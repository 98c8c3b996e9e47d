package llm

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"chatmeter/internal/model"

	"github.com/tidwall/gjson"
)

// Stream 惰性消费的 SSE 补全流，单趟、不可重启
// Recv 返回 io.EOF 表示正常结束，其他错误表示流被截断
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	usage  *model.TokenUsage
	chunks int
	closed bool
}

// NewStream 包装一个 SSE 响应体
func NewStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: body, scanner: scanner}
}

// Recv 返回下一个文本增量
func (s *Stream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)

		if bytes.Equal(data, []byte("[DONE]")) {
			_ = s.Close()
			return "", io.EOF
		}

		// usage 可能出现在最后一个无 delta 的 chunk
		if u := gjson.GetBytes(data, "usage"); u.Exists() && u.IsObject() {
			s.usage = &model.TokenUsage{
				InputTokens:  int(u.Get("prompt_tokens").Int()),
				OutputTokens: int(u.Get("completion_tokens").Int()),
				TotalTokens:  int(u.Get("total_tokens").Int()),
			}
		}

		delta := gjson.GetBytes(data, "choices.0.delta.content")
		if !delta.Exists() || delta.String() == "" {
			continue
		}

		s.chunks++
		return delta.String(), nil
	}

	err := s.scanner.Err()
	_ = s.Close()
	if err != nil {
		return "", err
	}
	// 上游未发送 [DONE] 直接断开也按正常结束处理
	return "", io.EOF
}

// Usage 流结束后返回 token 消耗
// 上游未报告 usage 时按已产生的 chunk 数回退估算，保证守恒性
func (s *Stream) Usage() model.TokenUsage {
	if s.usage != nil {
		return *s.usage
	}
	return model.TokenUsage{OutputTokens: s.chunks, TotalTokens: s.chunks}
}

// Chunks 已产生的文本增量数
func (s *Stream) Chunks() int {
	return s.chunks
}

// Close 放弃剩余内容并释放连接
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// CollectText 读完整个流并拼接文本（非流式调用方使用）
func CollectText(s *Stream) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
}
