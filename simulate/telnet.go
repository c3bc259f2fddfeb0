package simulate

import (
	"net"

	"github.com/sshcollectorpro/devterm/pkg/logger"
)

const maxLoginAttempts = 3

// TelnetServer 模拟 Telnet 设备
type TelnetServer struct {
	listener
	profile Profile
}

// NewTelnetServer 创建 Telnet 模拟设备
func NewTelnetServer(p Profile) *TelnetServer {
	s := &TelnetServer{profile: p}
	s.name = "telnet"
	s.handle = s.serveConn
	return s
}

// Start 开始监听
func (s *TelnetServer) Start(addr string) error {
	return s.start(addr)
}

func (s *TelnetServer) serveConn(c net.Conn) {
	p := s.profile
	term := newTerminal(c, true)
	if p.Negotiate {
		// IAC WILL ECHO, IAC WILL SGA, IAC DO TTYPE
		_, _ = c.Write([]byte{iacIAC, iacWILL, 1, iacIAC, iacWILL, 3, iacIAC, 253, 24})
	}
	if err := term.write(p.Banner); err != nil {
		return
	}

	for attempt := 0; attempt < maxLoginAttempts; attempt++ {
		if err := term.write(p.LoginPrompt); err != nil {
			return
		}
		user, err := term.readLine()
		if err != nil {
			return
		}
		_ = term.write(user + "\r\n" + p.PasswordPrompt)
		pass, err := term.readLine()
		if err != nil {
			return
		}
		_ = term.write("\r\n")

		if user != p.Username || pass != p.Password {
			s.stats.failedLogins.Add(1)
			logger.WithField("user", user).Debug("Simulate: telnet 登录失败")
			if err := term.write(p.FailMessage + "\r\n\r\n"); err != nil {
				return
			}
			continue
		}

		s.stats.logins.Add(1)
		sh := &shell{p: p, term: term, stats: &s.stats}
		if err := term.write("Info: The max number of VTY users is 5.\r\n" + sh.prompt()); err != nil {
			return
		}
		err = sh.serve()
		logger.WithField("reason", err).Debug("Simulate: telnet 会话结束")
		return
	}
}
