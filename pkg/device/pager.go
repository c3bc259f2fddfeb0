package device

import (
	"context"
	"time"
)

// Channel 会话字节通道：Read 在 wait 内返回已到达的数据，无数据时返回空切片
type Channel interface {
	Read(wait time.Duration) ([]byte, error)
	Write(data string) error
}

// Pager 分页感知的输出收集循环
type Pager struct {
	// IsPrompt 判断累计输出是否已停在提示符上
	IsPrompt func(text string) bool
	// LineEnding 输出稳定后用于诱发提示符的换行
	LineEnding string
	// Timeout 整体时间窗口
	Timeout time.Duration
	// PollInterval 单次读取等待
	PollInterval time.Duration
	// StablePolls 连续无新数据的轮询次数，达到后视为输出稳定
	StablePolls int
	// MaxPages 最多自动翻页次数，超出后发送 Abort 终止分页
	MaxPages int
	// Continue 翻页按键
	Continue string
	// Abort 终止分页按键
	Abort string
}

// PageResult 收集结果
type PageResult struct {
	Raw   []byte
	Pages int
	// Settled 未见提示符，因输出稳定而结束
	Settled bool
	// Truncated 翻页次数耗尽，已发送 Abort，输出不完整
	Truncated bool
}

const tailSize = 512

// Collect 读取输出直到出现提示符、输出稳定、翻页次数耗尽或超时。
// 分页标记一出现即从缓冲中移除并回应一次 Continue
func (p Pager) Collect(ctx context.Context, ch Channel) (PageResult, error) {
	p = p.withDefaults()
	var res PageResult
	deadline := time.Now().Add(p.Timeout)
	stable, nudged := 0, false

	for {
		if err := ctx.Err(); err != nil {
			return res, NewError(KindCommandTimeout, "collect", "cancelled", err)
		}
		if time.Now().After(deadline) {
			return res, NewError(KindCommandTimeout, "collect", p.Timeout.String(), nil)
		}

		chunk, err := ch.Read(p.PollInterval)
		if len(chunk) > 0 {
			res.Raw = append(res.Raw, chunk...)
			stable = 0
			tail := string(tailOf(res.Raw))
			if IsPaginationPrompt(tail) {
				res.Raw = []byte(StripPagination(string(res.Raw)))
				if p.MaxPages > 0 && res.Pages >= p.MaxPages {
					_ = ch.Write(p.Abort)
					res.Truncated = true
					return res, nil
				}
				res.Pages++
				if werr := ch.Write(p.Continue); werr != nil {
					return res, NewError(KindTransport, "write", "continue", werr)
				}
				continue
			}
			if p.IsPrompt(tail) {
				return res, nil
			}
		}
		if err != nil {
			return res, NewError(KindTransport, "read", "", err)
		}
		if len(chunk) > 0 || len(res.Raw) == 0 {
			continue
		}

		stable++
		if stable < p.StablePolls {
			continue
		}
		if nudged {
			res.Settled = true
			return res, nil
		}
		nudged, stable = true, 0
		if werr := ch.Write(p.LineEnding); werr != nil {
			return res, NewError(KindTransport, "write", "nudge", werr)
		}
	}
}

func (p Pager) withDefaults() Pager {
	if p.IsPrompt == nil {
		p.IsPrompt = func(s string) bool { return IsSuccessPrompt(s, DefaultPromptChars) }
	}
	if p.LineEnding == "" {
		p.LineEnding = "\n"
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 100 * time.Millisecond
	}
	if p.StablePolls <= 0 {
		p.StablePolls = 5
	}
	if p.Continue == "" {
		p.Continue = " "
	}
	if p.Abort == "" {
		p.Abort = "\x03"
	}
	return p
}

func tailOf(b []byte) []byte {
	if len(b) > tailSize {
		return b[len(b)-tailSize:]
	}
	return b
}
