package telnet

import (
	"bytes"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// Telnet 协议字节
const (
	cmdSE   byte = 240
	cmdSB   byte = 250
	cmdWILL byte = 251
	cmdWONT byte = 252
	cmdDO   byte = 253
	cmdDONT byte = 254
	cmdIAC  byte = 255

	optEcho byte = 1
	optSGA  byte = 3
)

const writeTimeout = 5 * time.Second

// stream 在原始 TCP 连接上处理 IAC 协商，对上层只暴露数据字节
type stream struct {
	conn   net.Conn
	refuse bool

	mu       sync.Mutex
	pending  []byte
	buffered []byte
	answered map[[2]byte]bool
	head     []byte
	received int
	closed   bool
}

func newStream(conn net.Conn, refuse bool) *stream {
	return &stream{
		conn:     conn,
		refuse:   refuse,
		answered: make(map[[2]byte]bool),
	}
}

// Read 在 wait 内读取可用数据，超时返回空切片
func (s *stream) Read(wait time.Duration) ([]byte, error) {
	s.mu.Lock()
	if len(s.buffered) > 0 {
		b := s.buffered
		s.buffered = nil
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	buf := make([]byte, 4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	n, err := s.conn.Read(buf)
	var out []byte
	if n > 0 {
		out = s.filter(buf[:n])
	}
	if err != nil && !isTimeout(err) {
		return out, err
	}
	return out, nil
}

// Write 发送文本，数据中的 0xff 按协议转义
func (s *stream) Write(data string) error {
	b := bytes.ReplaceAll([]byte(data), []byte{cmdIAC}, []byte{cmdIAC, cmdIAC})
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(b)
	return err
}

// peek 非阻塞探测连接，读到的数据留给下一次 Read
func (s *stream) peek() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.buffered) > 0 {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	buf := make([]byte, 1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := s.conn.Read(buf)
	if n > 0 {
		data := s.filter(buf[:n])
		s.mu.Lock()
		s.buffered = append(s.buffered, data...)
		s.mu.Unlock()
	}
	return err == nil || isTimeout(err)
}

// Head 连接建立后收到的首批原始字节，用于横幅识别
func (s *stream) Head() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Received 累计收到的原始字节数
func (s *stream) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// filter 剥离 IAC 序列并回应选项协商，跨包截断的序列留到下一次处理
func (s *stream) filter(data []byte) []byte {
	s.mu.Lock()
	if len(s.head) < 64 {
		s.head = append(s.head, data[:min(len(data), 64-len(s.head))]...)
	}
	s.received += len(data)
	buf := append(s.pending, data...)
	s.pending = nil

	out := make([]byte, 0, len(buf))
	var reply []byte
scan:
	for i := 0; i < len(buf); i++ {
		if buf[i] != cmdIAC {
			out = append(out, buf[i])
			continue
		}
		if i+1 >= len(buf) {
			s.pending = append([]byte(nil), buf[i:]...)
			break
		}
		switch cmd := buf[i+1]; cmd {
		case cmdIAC:
			out = append(out, cmdIAC)
			i++
		case cmdDO, cmdDONT, cmdWILL, cmdWONT:
			if i+2 >= len(buf) {
				s.pending = append([]byte(nil), buf[i:]...)
				break scan
			}
			reply = append(reply, s.answer(cmd, buf[i+2])...)
			i += 2
		case cmdSB:
			end := bytes.Index(buf[i+2:], []byte{cmdIAC, cmdSE})
			if end < 0 {
				s.pending = append([]byte(nil), buf[i:]...)
				break scan
			}
			i += 2 + end + 1
		default:
			i++
		}
	}
	s.mu.Unlock()

	if len(reply) > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, _ = s.conn.Write(reply)
	}
	return out
}

// answer 接受 SGA 与对端回显，其余选项一律拒绝；raw 模式拒绝全部。
// 同一请求只回应一次，避免协商循环
func (s *stream) answer(cmd, opt byte) []byte {
	var reply byte
	switch cmd {
	case cmdDO:
		reply = cmdWONT
		if !s.refuse && opt == optSGA {
			reply = cmdWILL
		}
	case cmdWILL:
		reply = cmdDONT
		if !s.refuse && (opt == optEcho || opt == optSGA) {
			reply = cmdDO
		}
	default:
		return nil
	}
	key := [2]byte{cmd, opt}
	if s.answered[key] {
		return nil
	}
	s.answered[key] = true
	return []byte{cmdIAC, reply, opt}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
