package simulate

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/devterm/pkg/logger"
)

// SSHServer 模拟 SSH 设备：密码认证后提供 PTY Shell
type SSHServer struct {
	listener
	profile Profile
	config  *ssh.ServerConfig
}

// NewSSHServer 创建 SSH 模拟设备
func NewSSHServer(p Profile, hostKey ssh.Signer) *SSHServer {
	s := &SSHServer{profile: p}
	s.name = "ssh"
	s.handle = s.serveConn
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == p.Username && string(password) == p.Password {
				return nil, nil
			}
			s.stats.failedLogins.Add(1)
			return nil, fmt.Errorf("access denied")
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "Authentication", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if meta.User() == p.Username && len(answers) > 0 && answers[0] == p.Password {
				return nil, nil
			}
			s.stats.failedLogins.Add(1)
			return nil, fmt.Errorf("access denied")
		},
	}
	if p.Vendor == "huawei" {
		s.config.ServerVersion = "SSH-2.0-HUAWEI-1.5"
	}
	s.config.AddHostKey(hostKey)
	return s
}

// Start 开始监听
func (s *SSHServer) Start(addr string) error {
	return s.start(addr)
}

func (s *SSHServer) serveConn(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		logger.WithError(err).Debug("Simulate: SSH 握手失败")
		return
	}
	defer conn.Close()
	s.stats.logins.Add(1)
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			logger.WithError(err).Debug("Simulate: 通道建立失败")
			continue
		}
		go s.serveSession(channel, requests)
	}
}

func (s *SSHServer) serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "window-change", "env":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			sh := &shell{p: s.profile, term: newTerminal(channel, false), stats: &s.stats}
			if err := sh.term.write("\r\nInfo: The max number of VTY users is 5.\r\n" + sh.prompt()); err != nil {
				return
			}
			err := sh.serve()
			logger.WithFields(logrus.Fields{"reason": err}).Debug("Simulate: SSH 会话结束")
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// HostKey 加载主机密钥：path 为空时生成临时 ed25519 密钥，
// 否则读取 PEM 文件，不存在则生成 RSA 2048 密钥并持久化
func HostKey(path string) (ssh.Signer, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate host key: %w", err)
		}
		return ssh.NewSignerFromKey(priv)
	}

	if bs, err := os.ReadFile(path); err == nil {
		signer, err := ssh.ParsePrivateKey(bs)
		if err == nil {
			return signer, nil
		}
		logger.WithError(err).Warn("Simulate: host key parse failed, regenerating")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure host key dir: %w", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated host key: %w", err)
	}
	logger.WithField("file", path).Info("Simulate: host key generated")
	return signer, nil
}
