package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/devterm/pkg/credential"
	"github.com/sshcollectorpro/devterm/pkg/device"
	"github.com/sshcollectorpro/devterm/pkg/logger"
)

// Config SSH配置
type Config struct {
	// ConnectTimeout 拨号、握手与等待首个提示符的超时
	ConnectTimeout time.Duration
	// KeepAlive 传输层保活间隔，0 表示不发送
	KeepAlive      time.Duration
	CommandTimeout time.Duration
	PollInterval   time.Duration
	StablePolls    int
	// MaxIterations 单条命令最多自动翻页的页数，超出后发送 Ctrl-C，输出被截断
	MaxIterations int
	// ProbeWindow 活性探测等待提示符的窗口
	ProbeWindow time.Duration
	Charsets    []string
	Dial        device.DialFunc
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		KeepAlive:      30 * time.Second,
		CommandTimeout: 30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		StablePolls:    5,
		MaxIterations:  50,
		ProbeWindow:    3 * time.Second,
		Charsets:       device.DefaultCharsets,
		Dial:           device.DefaultDial,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StablePolls <= 0 {
		c.StablePolls = d.StablePolls
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = d.ProbeWindow
	}
	if len(c.Charsets) == 0 {
		c.Charsets = d.Charsets
	}
	if c.Dial == nil {
		c.Dial = d.Dial
	}
	return c
}

// ConnectionInfo SSH连接信息
type ConnectionInfo struct {
	device.Credentials
	// DeviceType 已知的设备类型，未知时根据横幅识别
	DeviceType device.Type
}

const (
	lineEnding  = "\n"
	sniffWindow = 2 * time.Second
)

// Client SSH客户端：一个认证连接上保持一个长期存在的交互式 Shell
type Client struct {
	config Config
	vault  *credential.Vault
	log    *logrus.Entry

	mu         sync.Mutex
	info       ConnectionInfo
	sealed     credential.Sealed
	connection *ssh.Client
	shell      *shell
	stopKeep   chan struct{}
	status     device.Status
	devType    device.Type
	banner     string
	prompt     string
	promptChar string
	details    map[string]string
	reconnects int
	closed     bool
}

// NewClient 创建SSH客户端，密码经 vault 混淆后缓存用于自动重连
func NewClient(config Config, vault *credential.Vault) *Client {
	if vault == nil {
		vault = credential.NewVault()
	}
	return &Client{
		config:  config.withDefaults(),
		vault:   vault,
		log:     logger.WithField("protocol", string(device.ProtocolSSH)),
		status:  device.StatusDisconnected,
		devType: device.TypeUnknown,
		details: make(map[string]string),
	}
}

// Connect 连接SSH服务器并打开交互式 Shell
func (c *Client) Connect(ctx context.Context, info ConnectionInfo) error {
	info.Credentials = info.Credentials.WithDefaultPort(device.ProtocolSSH)
	sealed, err := c.vault.Seal(info.Password)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.info = ConnectionInfo{
		Credentials: device.Credentials{Host: info.Host, Port: info.Port, Username: info.Username},
		DeviceType:  info.DeviceType,
	}
	c.sealed = sealed
	c.status = device.StatusConnecting
	c.log = logger.WithDevice(string(device.ProtocolSSH), info.Address())
	c.mu.Unlock()

	if err := c.establish(ctx, info.Password); err != nil {
		c.setStatus(device.StatusError)
		return err
	}

	devType := info.DeviceType
	if devType == "" || devType == device.TypeUnknown {
		devType = device.Classify(c.Banner())
	}
	c.mu.Lock()
	c.devType = devType
	c.mu.Unlock()
	c.probeVersion(ctx)
	c.log.WithFields(logrus.Fields{"device_type": devType, "prompt": c.Prompt()}).Info("SSH 登录成功")
	return nil
}

// establish 拨号、识别服务、完成 SSH 握手并打开 Shell
func (c *Client) establish(ctx context.Context, password string) error {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	address := info.Address()

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	conn, err := c.config.Dial(dialCtx, "tcp", address)
	if err != nil {
		return device.NewError(device.KindUnreachable, "ssh dial", address, err)
	}
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	defer stop()

	head, err := sniff(conn, min(sniffWindow, c.config.ConnectTimeout))
	if err != nil {
		_ = conn.Close()
		return err
	}

	_ = conn.SetDeadline(time.Now().Add(c.config.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(&replayConn{Conn: conn, buf: head}, address, c.clientConfig(info.Username, password))
	if err != nil {
		_ = conn.Close()
		return classifyHandshakeError(dialCtx, err)
	}
	if !stop() {
		_ = sshConn.Close()
		return device.NewError(device.KindHandshakeTimeout, "ssh handshake", "cancelled", dialCtx.Err())
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	sh, err := openShell(client)
	if err != nil {
		_ = client.Close()
		return err
	}
	text, err := c.awaitPrompt(ctx, sh)
	if err != nil {
		sh.close()
		_ = client.Close()
		return err
	}

	c.mu.Lock()
	c.connection = client
	c.shell = sh
	c.banner = string(client.ServerVersion()) + "\n" + device.StripANSIAndControl(text)
	c.prompt = device.PromptLine(text)
	c.promptChar = device.TrailingPromptChar(text)
	c.details["prompt"] = c.prompt
	c.status = device.StatusConnected
	c.closed = false
	c.stopKeep = make(chan struct{})
	go c.keepAlive(client, c.stopKeep)
	c.mu.Unlock()
	return nil
}

// clientConfig 兼容老旧网络设备的算法集合
func (c *Client) clientConfig(username, password string) *ssh.ClientConfig {
	cfg := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.ConnectTimeout,
		Config: ssh.Config{
			// 支持旧版本的密钥交换算法
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group1-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
			},
			// 支持旧版本的加密算法
			Ciphers: []string{
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"aes128-cbc",
				"aes192-cbc",
				"aes256-cbc",
				"3des-cbc",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"ssh-rsa",
			"rsa-sha2-256",
			"rsa-sha2-512",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}
	if password != "" {
		// 同时尝试 password 与 keyboard-interactive，提高与网络设备的兼容性
		cfg.Auth = []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}
	}
	return cfg
}

func classifyHandshakeError(ctx context.Context, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return device.NewError(device.KindAuthenticationFailed, "ssh handshake", "", err)
	case ctx.Err() != nil, isTimeout(err):
		return device.NewError(device.KindHandshakeTimeout, "ssh handshake", "", err)
	}
	return device.NewError(device.KindTransport, "ssh handshake", "", err)
}

// sniff 读取对端首包，确认不是 Telnet 或 HTTP 服务。
// 对端在窗口内不发送数据时按 SSH 继续
func sniff(conn net.Conn, window time.Duration) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(window))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	_ = conn.SetReadDeadline(time.Time{})
	head := buf[:n]
	switch svc := device.SniffBanner(head); svc {
	case device.ServiceTelnet, device.ServiceHTTP:
		return nil, device.NewError(device.KindWrongService, "ssh sniff", string(svc)+" service answered", nil)
	}
	if err != nil && !isTimeout(err) {
		return nil, device.NewError(device.KindTransport, "ssh sniff", "", err)
	}
	return head, nil
}

// replayConn 先回放嗅探时读到的字节，再读底层连接
type replayConn struct {
	net.Conn
	buf []byte
}

func (r *replayConn) Read(p []byte) (int, error) {
	if len(r.buf) > 0 {
		n := copy(p, r.buf)
		r.buf = r.buf[n:]
		return n, nil
	}
	return r.Conn.Read(p)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// awaitPrompt 打开 Shell 后等待首个提示符，输出停顿时由 Pager 发送一次换行诱发
func (c *Client) awaitPrompt(ctx context.Context, sh *shell) (string, error) {
	p := device.Pager{
		IsPrompt:     func(t string) bool { return device.IsSuccessPrompt(t, device.DefaultPromptChars) },
		LineEnding:   lineEnding,
		Timeout:      c.config.ConnectTimeout,
		PollInterval: c.config.PollInterval,
		StablePolls:  c.config.StablePolls,
		MaxPages:     c.config.MaxIterations,
	}
	res, err := p.Collect(ctx, sh)
	text := device.DecodeOutput(res.Raw, c.config.Charsets)
	switch {
	case ctx.Err() != nil:
		return "", device.NewError(device.KindHandshakeTimeout, "ssh shell", "cancelled", ctx.Err())
	case err != nil && len(res.Raw) == 0:
		return "", device.NewError(device.KindHandshakeTimeout, "ssh shell", "no prompt", err)
	case err != nil && device.KindOf(err) == device.KindTransport:
		return "", err
	case err != nil || res.Settled:
		c.log.WithField("tail", device.PromptLine(text)).Warn("未识别到提示符，继续使用当前会话")
	}
	return text, nil
}

func (c *Client) probeVersion(ctx context.Context) {
	cmd := device.VersionCommand(c.DeviceType())
	if cmd == "" {
		return
	}
	out, err := c.run(ctx, cmd)
	if err != nil {
		c.log.WithError(err).Debug("获取版本信息失败")
		return
	}
	if v := device.VersionLine(out); v != "" {
		c.mu.Lock()
		c.details["version"] = v
		c.mu.Unlock()
	}
}

// Execute 执行命令。执行前先做活性探测，通道失效时自动重连一次；
// 执行中出现传输错误且本次尚未重连时，重连后重试一次
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	reconnected := false
	if err := c.CheckLiveness(ctx); err != nil {
		c.log.WithError(err).Warn("SSH 通道失效，自动重连")
		if rerr := c.Reconnect(ctx); rerr != nil {
			return "", fmt.Errorf("%w: %w", err, rerr)
		}
		reconnected = true
	}

	out, err := c.run(ctx, command)
	if err == nil || reconnected || device.KindOf(err) != device.KindTransport {
		return out, err
	}
	c.log.WithError(err).Warn("命令执行中通道中断，重连后重试")
	if rerr := c.Reconnect(ctx); rerr != nil {
		return out, fmt.Errorf("%w: %w", err, rerr)
	}
	return c.run(ctx, command)
}

// run 在 Shell 上发送命令并收集分页输出
func (c *Client) run(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	sh, closed := c.shell, c.closed
	chars := c.promptCharsLocked()
	c.mu.Unlock()
	if sh == nil || closed {
		return "", device.NewError(device.KindTransport, "ssh execute", "connection closed", nil)
	}

	sh.drain()
	if err := sh.Write(command + lineEnding); err != nil {
		c.setStatus(device.StatusError)
		return "", device.NewError(device.KindTransport, "ssh execute", "send command", err)
	}
	p := device.Pager{
		IsPrompt:     func(t string) bool { return device.IsSuccessPrompt(t, chars) },
		LineEnding:   lineEnding,
		Timeout:      c.config.CommandTimeout,
		PollInterval: c.config.PollInterval,
		StablePolls:  c.config.StablePolls,
		MaxPages:     c.config.MaxIterations,
	}
	res, err := p.Collect(ctx, sh)
	text := device.DecodeOutput(res.Raw, c.config.Charsets)
	out := device.CleanResponse(text, command, chars)
	if err != nil {
		if device.KindOf(err) == device.KindTransport {
			c.setStatus(device.StatusError)
		}
		return out, err
	}
	if !res.Settled {
		c.mu.Lock()
		c.prompt = device.PromptLine(text)
		c.details["prompt"] = c.prompt
		c.mu.Unlock()
	}
	if res.Truncated {
		c.log.WithFields(logrus.Fields{"command": command, "pages": res.Pages}).Warn("翻页次数达到上限，输出已截断")
	}
	c.log.WithFields(logrus.Fields{"command": command, "pages": res.Pages}).Debug("命令执行完成")
	return out, nil
}

// promptCharsLocked 登录时学到的提示符字符优先，其后为设备类型的字符集
func (c *Client) promptCharsLocked() []string {
	chars := device.PromptChars(c.devType)
	if c.promptChar != "" {
		chars = append([]string{c.promptChar}, chars...)
	}
	return chars
}

// CheckLiveness 活性探测：发送 keepalive 请求、确认读取协程仍在运行，
// 再发送换行并在 ProbeWindow 内读取回显。收到任何回显即视为存活
func (c *Client) CheckLiveness(ctx context.Context) error {
	c.mu.Lock()
	conn, sh, closed := c.connection, c.shell, c.closed
	chars := c.promptCharsLocked()
	c.mu.Unlock()
	if conn == nil || sh == nil || closed {
		return device.NewError(device.KindChannelStale, "ssh probe", "not connected", nil)
	}
	if _, _, err := conn.SendRequest("keepalive@openssh.com", false, nil); err != nil {
		return device.NewError(device.KindChannelStale, "ssh probe", "keepalive", err)
	}
	if !sh.alive() {
		return device.NewError(device.KindChannelStale, "ssh probe", "shell closed", nil)
	}

	sh.drain()
	if err := sh.Write(lineEnding); err != nil {
		return device.NewError(device.KindChannelStale, "ssh probe", "write", err)
	}
	p := device.Pager{
		IsPrompt:     func(t string) bool { return device.IsSuccessPrompt(t, chars) },
		LineEnding:   lineEnding,
		Timeout:      c.config.ProbeWindow,
		PollInterval: c.config.PollInterval,
		StablePolls:  c.config.StablePolls,
	}
	res, err := p.Collect(ctx, sh)
	switch {
	case err != nil && device.KindOf(err) == device.KindTransport:
		return device.NewError(device.KindChannelStale, "ssh probe", "read", err)
	case len(res.Raw) == 0:
		return device.NewError(device.KindChannelStale, "ssh probe", "no echo", err)
	}
	return nil
}

// Reconnect 使用缓存的凭据重新建立连接，替换原有通道
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	sealed := c.sealed
	c.mu.Unlock()
	password, err := c.vault.Reveal(sealed)
	if err != nil {
		return device.NewError(device.KindTransport, "ssh reconnect", "credential", err)
	}

	c.teardown()
	c.setStatus(device.StatusConnecting)
	if err := c.establish(ctx, password); err != nil {
		c.setStatus(device.StatusError)
		return err
	}
	c.mu.Lock()
	c.reconnects++
	c.details["reconnects"] = strconv.Itoa(c.reconnects)
	c.mu.Unlock()
	c.log.Info("SSH 自动重连成功")
	return nil
}

// Reconnects 自动重连次数
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// keepAlive 保持连接活跃
func (c *Client) keepAlive(conn *ssh.Client, stop <-chan struct{}) {
	if c.config.KeepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// 发送保活请求（不等待回复，避免不支持该请求的设备导致错误）
			if _, _, err := conn.SendRequest("keepalive@openssh.com", false, nil); err != nil {
				c.log.WithError(err).Debug("SSH 保活失败")
				return
			}
		}
	}
}

// teardown 关闭当前 Shell 与连接
func (c *Client) teardown() {
	c.mu.Lock()
	conn, sh, stop := c.connection, c.shell, c.stopKeep
	c.connection, c.shell, c.stopKeep = nil, nil, nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if sh != nil {
		sh.close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Close 关闭SSH连接，重复调用无副作用
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.teardown()
	c.setStatus(device.StatusDisconnected)
	return nil
}

// Disconnect 同 Close
func (c *Client) Disconnect() error {
	return c.Close()
}

// IsAlive 轻量级健康检查：发送 keepalive 请求而不创建会话，并确认 Shell 未关闭
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	conn, sh, closed := c.connection, c.shell, c.closed
	c.mu.Unlock()
	if conn == nil || sh == nil || closed || !sh.alive() {
		return false
	}
	_, _, err := conn.SendRequest("keepalive@openssh.com", false, nil)
	return err == nil
}

func (c *Client) Status() device.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) DeviceType() device.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devType
}

// Banner 服务端版本串与登录后首屏输出
func (c *Client) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banner
}

func (c *Client) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// Info 设备信息快照
func (c *Client) Info() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.details)+1)
	for k, v := range c.details {
		out[k] = v
	}
	out["device_type"] = string(c.devType)
	return out
}

func (c *Client) setStatus(s device.Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// shell 交互式 Shell 通道，读取协程把输出按块送入 chunks
type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	chunks  chan []byte
	done    chan struct{}
	once    sync.Once
}

func openShell(client *ssh.Client) (*shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, device.NewError(device.KindTransport, "ssh session", "", err)
	}

	// 设置终端模式（启用回显，兼容网络设备CLI），并使用终端类型回退
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	var ptyErr error
	for _, term := range []string{"vt100", "xterm", "ansi", "dumb"} {
		if ptyErr = session.RequestPty(term, 80, 24, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		return nil, device.NewError(device.KindTransport, "ssh pty", "", ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, device.NewError(device.KindTransport, "ssh stdin", "", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, device.NewError(device.KindTransport, "ssh stdout", "", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, device.NewError(device.KindTransport, "ssh shell", "", err)
	}

	sh := &shell{
		session: session,
		stdin:   stdin,
		chunks:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go sh.pump(stdout)
	return sh, nil
}

func (s *shell) pump(r io.Reader) {
	defer close(s.done)
	defer close(s.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			s.chunks <- b
		}
		if err != nil {
			return
		}
	}
}

// Read 在 wait 内读取输出；读取协程退出且数据取尽后返回 io.EOF
func (s *shell) Read(wait time.Duration) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case b, ok := <-s.chunks:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-timer.C:
		return nil, nil
	}
}

func (s *shell) Write(data string) error {
	_, err := io.WriteString(s.stdin, data)
	return err
}

func (s *shell) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// drain 丢弃已到达但未读取的输出
func (s *shell) drain() {
	for {
		select {
		case _, ok := <-s.chunks:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *shell) close() {
	s.once.Do(func() {
		_ = s.stdin.Close()
		_ = s.session.Close()
	})
}
