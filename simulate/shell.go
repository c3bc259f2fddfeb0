package simulate

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync/atomic"
)

// Stats 模拟设备的计数器
type Stats struct {
	logins        atomic.Int64
	failedLogins  atomic.Int64
	commands      atomic.Int64
	continuations atomic.Int64
	active        atomic.Int64
}

// Logins 成功登录次数
func (s *Stats) Logins() int64 { return s.logins.Load() }

// FailedLogins 失败登录次数
func (s *Stats) FailedLogins() int64 { return s.failedLogins.Load() }

// Commands 执行的命令数
func (s *Stats) Commands() int64 { return s.commands.Load() }

// Continuations 收到的翻页按键数
func (s *Stats) Continuations() int64 { return s.continuations.Load() }

// Active 当前连接数
func (s *Stats) Active() int64 { return s.active.Load() }

const (
	iacSE   = 240
	iacSB   = 250
	iacWILL = 251
	iacDONT = 254
	iacIAC  = 255
)

var errQuit = errors.New("session quit")

// terminal 逐字节读取用户输入，可选剥离 Telnet 协商序列
type terminal struct {
	r      *bufio.Reader
	w      io.Writer
	telnet bool
	skipLF bool
}

func newTerminal(rw io.ReadWriter, telnet bool) *terminal {
	return &terminal{r: bufio.NewReader(rw), w: rw, telnet: telnet}
}

func (t *terminal) write(s string) error {
	_, err := io.WriteString(t.w, s)
	return err
}

// readByte 返回下一个数据字节，跳过 IAC 命令
func (t *terminal) readByte() (byte, error) {
	for {
		b, err := t.r.ReadByte()
		if err != nil || !t.telnet || b != iacIAC {
			return b, err
		}
		cmd, err := t.r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch {
		case cmd == iacIAC:
			return iacIAC, nil
		case cmd == iacSB:
			for {
				x, err := t.r.ReadByte()
				if err != nil {
					return 0, err
				}
				if x == iacIAC {
					if y, err := t.r.ReadByte(); err != nil || y == iacSE {
						break
					}
				}
			}
		case cmd >= iacWILL && cmd <= iacDONT:
			if _, err := t.r.ReadByte(); err != nil {
				return 0, err
			}
		}
	}
}

// readKey 读取单个按键，跳过上一行 CRLF 残留的 LF
func (t *terminal) readKey() (byte, error) {
	for {
		b, err := t.readByte()
		if err != nil {
			return 0, err
		}
		if b == '\n' && t.skipLF {
			t.skipLF = false
			continue
		}
		t.skipLF = false
		return b, nil
	}
}

// readLine 读取一行，CR、LF 与 CRLF 都视为行结束
func (t *terminal) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := t.readByte()
		if err != nil {
			return sb.String(), err
		}
		switch b {
		case '\n':
			if t.skipLF {
				t.skipLF = false
				continue
			}
			return sb.String(), nil
		case '\r':
			t.skipLF = true
			return sb.String(), nil
		case 0:
			continue
		}
		t.skipLF = false
		sb.WriteByte(b)
	}
}

// shell 登录后的命令行会话
type shell struct {
	p      Profile
	term   *terminal
	stats  *Stats
	system bool
}

func (s *shell) prompt() string {
	return s.p.prompt(s.system)
}

// serve 循环处理命令直到对端断开或退出
func (s *shell) serve() error {
	for {
		line, err := s.term.readLine()
		if err != nil {
			return err
		}
		cmd := strings.TrimSpace(line)
		if err := s.term.write(cmd + "\r\n"); err != nil {
			return err
		}
		if cmd == "" {
			if err := s.term.write(s.prompt()); err != nil {
				return err
			}
			continue
		}
		s.stats.commands.Add(1)
		if err := s.handle(cmd); err != nil {
			return err
		}
	}
}

func (s *shell) handle(cmd string) error {
	switch {
	case cmd == "system-view" && s.p.SystemPromptFormat != "":
		s.system = true
		return s.term.write("Enter system view, return user view with Ctrl+Z.\r\n" + s.prompt())
	case cmd == "return" && s.p.SystemPromptFormat != "":
		s.system = false
		return s.term.write(s.prompt())
	case cmd == "quit" || cmd == "exit" || cmd == "logout":
		if s.system {
			s.system = false
			return s.term.write(s.prompt())
		}
		_ = s.term.write("\r\n")
		return errQuit
	}

	out, ok := s.p.output(cmd)
	if !ok {
		out = s.p.UnknownCommand
	}
	return s.page(out)
}

// page 按页输出，每页之后等待一个按键：空格继续，Ctrl+C 或 q 终止
func (s *shell) page(out string) error {
	lines := strings.Split(out, "\r\n")
	size := s.p.PageSize
	if size <= 0 || len(lines) <= size {
		return s.term.write(out + "\r\n" + s.prompt())
	}
	for start := 0; start < len(lines); start += size {
		end := min(start+size, len(lines))
		chunk := strings.Join(lines[start:end], "\r\n") + "\r\n"
		if start > 0 {
			chunk = "\x1b[16D                \x1b[16D" + chunk
		}
		if err := s.term.write(chunk); err != nil {
			return err
		}
		if end == len(lines) {
			break
		}
		if err := s.term.write(s.p.MoreMarker); err != nil {
			return err
		}
		key, err := s.term.readKey()
		if err != nil {
			return err
		}
		if key == 0x03 || key == 'q' {
			return s.term.write("\r\n" + s.prompt())
		}
		s.stats.continuations.Add(1)
	}
	return s.term.write(s.prompt())
}
