package telnet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/devterm/pkg/device"
	"github.com/sshcollectorpro/devterm/pkg/logger"
)

// Connection Telnet 会话连接：通用实现与厂商特化实现共用的能力集合
type Connection interface {
	device.Conn
	// Connect 拨号并完成登录握手，ctx 决定整个握手的时间上限
	Connect(ctx context.Context) error
	// Banner 握手阶段收到的文本
	Banner() string
	// Prompt 最近一次观察到的提示符行
	Prompt() string
}

// Options Telnet 连接参数
type Options struct {
	// PreflightTimeout TCP 可达性检查（拨号）超时
	PreflightTimeout time.Duration
	// LoginTimeout 握手中每个等待状态的窗口
	LoginTimeout time.Duration
	// CommandTimeout 单条命令的整体时间窗口
	CommandTimeout time.Duration
	PollInterval   time.Duration
	StablePolls    int
	// MaxIterations 单条命令最多自动翻页的页数，超出后发送 Ctrl-C，输出被截断
	MaxIterations int
	// RefuseOptions 拒绝全部 Telnet 选项协商
	RefuseOptions bool
	// Charsets 输出非 UTF-8 时尝试的编码
	Charsets []string
	Dial     device.DialFunc
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		PreflightTimeout: 3 * time.Second,
		LoginTimeout:     5 * time.Second,
		CommandTimeout:   30 * time.Second,
		PollInterval:     100 * time.Millisecond,
		StablePolls:      5,
		MaxIterations:    200,
		Charsets:         device.DefaultCharsets,
		Dial:             device.DefaultDial,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PreflightTimeout <= 0 {
		o.PreflightTimeout = d.PreflightTimeout
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = d.LoginTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.StablePolls <= 0 {
		o.StablePolls = d.StablePolls
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if len(o.Charsets) == 0 {
		o.Charsets = d.Charsets
	}
	if o.Dial == nil {
		o.Dial = d.Dial
	}
	return o
}

const maxBannerSize = 4096

// loginScript 握手状态机使用的提示识别规则
type loginScript struct {
	window     time.Duration
	isLogin    func(string) bool
	isPassword func(string) bool
	isPrompt   func(string) bool
}

// link 单条 Telnet 连接的公共状态：拨号、握手、命令循环与关闭
type link struct {
	creds       device.Credentials
	opts        Options
	lineEnding  string
	promptChars []string
	log         *logrus.Entry

	mu         sync.Mutex
	st         *stream
	watch      func() bool
	status     device.Status
	devType    device.Type
	banner     strings.Builder
	prompt     string
	promptChar string
	info       map[string]string
	closed     bool
}

func newLink(creds device.Credentials, opts Options, lineEnding string, chars []string) *link {
	creds = creds.WithDefaultPort(device.ProtocolTelnet)
	return &link{
		creds:       creds,
		opts:        opts.withDefaults(),
		lineEnding:  lineEnding,
		promptChars: chars,
		log:         logger.WithDevice(string(device.ProtocolTelnet), creds.Address()),
		status:      device.StatusDisconnected,
		devType:     device.TypeUnknown,
		info:        make(map[string]string),
	}
}

// dial 预检即拨号本身：短超时内连不上直接判定不可达。
// ctx 取消时关闭套接字，使阻塞中的读取立即返回
func (l *link) dial(ctx context.Context) error {
	l.setStatus(device.StatusConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, l.opts.PreflightTimeout)
	defer cancel()
	conn, err := l.opts.Dial(dialCtx, "tcp", l.creds.Address())
	if err != nil {
		l.setStatus(device.StatusError)
		return device.NewError(device.KindUnreachable, "telnet preflight", l.creds.Address(), err)
	}
	st := newStream(conn, l.opts.RefuseOptions)
	l.mu.Lock()
	l.st = st
	l.watch = context.AfterFunc(ctx, func() { _ = st.Close() })
	l.mu.Unlock()
	return nil
}

// finish 结束握手：失败时关闭连接，成功时解除 ctx 与套接字的绑定
func (l *link) finish(ctx context.Context, err error) error {
	if err == nil && !l.watch() {
		err = device.NewError(device.KindHandshakeTimeout, "telnet handshake", "cancelled", ctx.Err())
	}
	if err != nil {
		l.watch()
		l.mu.Lock()
		l.closed = true
		l.status = device.StatusError
		st := l.st
		l.mu.Unlock()
		_ = st.Close()
		return err
	}
	l.setStatus(device.StatusConnected)
	return nil
}

// await 在 window 内累计读取，直到 match 命中或窗口结束。
// 每次读取后都重新识别对端服务，一旦确认不是 Telnet 立即终止
func (l *link) await(ctx context.Context, window time.Duration, match func(string) bool) (string, error) {
	deadline := time.Now().Add(window)
	var buf []byte
	for {
		if err := ctx.Err(); err != nil {
			return l.decode(buf), device.NewError(device.KindHandshakeTimeout, "telnet handshake", "cancelled", err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return l.decode(buf), nil
		}
		chunk, err := l.st.Read(min(remaining, l.opts.PollInterval))
		if len(chunk) > 0 {
			if svc := device.SniffBanner(l.st.Head()); svc == device.ServiceSSH || svc == device.ServiceHTTP {
				return l.decode(buf), device.NewError(device.KindWrongService, "telnet handshake", string(svc)+" service answered", nil)
			}
			buf = append(buf, chunk...)
			l.appendBanner(chunk)
			if text := l.decode(buf); match(text) {
				return text, nil
			}
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return l.decode(buf), device.NewError(device.KindHandshakeTimeout, "telnet handshake", "cancelled", cerr)
			}
			return l.decode(buf), device.NewError(device.KindTransport, "telnet handshake", "", err)
		}
	}
}

// login 握手状态机：
// AwaitLogin → SendUsername → AwaitPassword → SendPassword → AwaitPrompt。
// 未见到预期提示时仍按顺序发送凭据，每个状态都检查认证失败关键字
func (l *link) login(ctx context.Context, s loginScript) error {
	failed := func(text string) bool {
		return device.IsAuthFailure(device.PromptLine(text))
	}

	// AwaitLogin
	text, err := l.await(ctx, s.window, func(t string) bool {
		return s.isLogin(t) || s.isPassword(t) || s.isPrompt(t) || failed(t)
	})
	if err != nil {
		return err
	}
	received := text != ""
	switch {
	case failed(text):
		return device.NewError(device.KindAuthenticationFailed, "telnet handshake", device.PromptLine(text), nil)
	case s.isPrompt(text):
		l.log.Debug("登录无需认证")
		l.capturePrompt(text)
		return nil
	}

	if !s.isPassword(text) {
		// SendUsername
		if !s.isLogin(text) {
			l.log.Debug("未识别到用户名提示，直接发送用户名")
		}
		if err := l.st.Write(l.creds.Username + l.lineEnding); err != nil {
			return device.NewError(device.KindTransport, "telnet handshake", "send username", err)
		}

		// AwaitPassword
		text, err = l.await(ctx, s.window, func(t string) bool {
			return s.isPassword(t) || s.isPrompt(t) || failed(t)
		})
		if err != nil {
			return err
		}
		received = received || text != ""
		switch {
		case failed(text) || device.IsAuthFailure(text):
			return device.NewError(device.KindAuthenticationFailed, "telnet handshake", device.PromptLine(text), nil)
		case s.isPrompt(text):
			l.capturePrompt(text)
			return nil
		case !s.isPassword(text):
			l.log.Debug("未识别到密码提示，直接发送密码")
		}
	}

	// SendPassword
	if err := l.st.Write(l.creds.Password + l.lineEnding); err != nil {
		return device.NewError(device.KindTransport, "telnet handshake", "send password", err)
	}

	// AwaitPrompt
	text, err = l.await(ctx, s.window, func(t string) bool {
		return s.isPrompt(t) || s.isLogin(t) || s.isPassword(t) || failed(t)
	})
	received = received || text != ""
	if err != nil {
		if device.KindOf(err) == device.KindTransport && device.IsAuthFailure(text) {
			return device.NewError(device.KindAuthenticationFailed, "telnet handshake", device.PromptLine(text), err)
		}
		return err
	}
	switch {
	case s.isPrompt(text):
		l.capturePrompt(text)
		return nil
	case device.IsAuthFailure(text):
		return device.NewError(device.KindAuthenticationFailed, "telnet handshake", device.PromptLine(text), nil)
	case s.isLogin(text) || s.isPassword(text):
		return device.NewError(device.KindAuthenticationFailed, "telnet handshake", "login prompt re-issued", nil)
	case !received:
		return device.NewError(device.KindHandshakeTimeout, "telnet handshake", "no data received", nil)
	}
	return device.NewError(device.KindHandshakeTimeout, "telnet handshake", "no prompt after password", nil)
}

func (l *link) capturePrompt(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompt = device.PromptLine(text)
	l.promptChar = device.TrailingPromptChar(text)
	l.info["prompt"] = l.prompt
}

// pager 命令收集参数；动态提示符字符优先
func (l *link) pager(maxPages int) device.Pager {
	chars := l.promptChars
	l.mu.Lock()
	if l.promptChar != "" {
		chars = append([]string{l.promptChar}, l.promptChars...)
	}
	l.mu.Unlock()
	return device.Pager{
		IsPrompt:     func(t string) bool { return device.IsSuccessPrompt(t, chars) },
		LineEnding:   l.lineEnding,
		Timeout:      l.opts.CommandTimeout,
		PollInterval: l.opts.PollInterval,
		StablePolls:  l.opts.StablePolls,
		MaxPages:     maxPages,
	}
}

// run 发送命令并收集分页输出，返回清洗后的文本。
// 超时时返回已收集的部分输出与 CommandTimeout 错误
func (l *link) run(ctx context.Context, command string, p device.Pager) (string, error) {
	l.mu.Lock()
	st, closed := l.st, l.closed
	chars := l.promptChars
	if l.promptChar != "" {
		chars = append([]string{l.promptChar}, l.promptChars...)
	}
	l.mu.Unlock()
	if st == nil || closed {
		return "", device.NewError(device.KindTransport, "telnet execute", "connection closed", nil)
	}

	l.drain(st)
	if err := st.Write(command + l.lineEnding); err != nil {
		l.setStatus(device.StatusError)
		return "", device.NewError(device.KindTransport, "telnet execute", "send command", err)
	}

	res, err := p.Collect(ctx, st)
	text := l.decode(res.Raw)
	out := device.CleanResponse(text, command, chars)
	if err != nil {
		if device.KindOf(err) == device.KindTransport {
			l.setStatus(device.StatusError)
		}
		return out, err
	}
	if res.Truncated {
		l.log.WithFields(logrus.Fields{"command": command, "pages": res.Pages}).Warn("翻页次数达到上限，输出已截断")
	}
	if !res.Settled {
		l.capturePrompt(text)
	}
	l.log.WithFields(logrus.Fields{"command": command, "pages": res.Pages, "bytes": len(res.Raw)}).Debug("命令执行完成")
	return out, nil
}

// drain 丢弃上一条命令残留的输出（如诱发出的多余提示符）
func (l *link) drain(st *stream) {
	for i := 0; i < 10; i++ {
		b, err := st.Read(time.Millisecond)
		if err != nil || len(b) == 0 {
			return
		}
	}
}

// probeVersion 已知厂商时执行版本命令，记录首行版本信息
func (l *link) probeVersion(ctx context.Context, exec func(context.Context, string) (string, error)) {
	cmd := device.VersionCommand(l.DeviceType())
	if cmd == "" {
		return
	}
	out, err := exec(ctx, cmd)
	if err != nil {
		l.log.WithError(err).Debug("获取版本信息失败")
		return
	}
	if v := device.VersionLine(out); v != "" {
		l.mu.Lock()
		l.info["version"] = v
		l.mu.Unlock()
	}
}

// disconnect 尽力发送退出命令后总是关闭连接，重复调用无副作用
func (l *link) disconnect(logout ...string) error {
	l.mu.Lock()
	if l.closed || l.st == nil {
		l.closed = true
		l.status = device.StatusDisconnected
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	st := l.st
	l.mu.Unlock()

	for _, cmd := range logout {
		if err := st.Write(cmd + l.lineEnding); err != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	err := st.Close()
	l.setStatus(device.StatusDisconnected)
	l.log.Debug("连接已关闭")
	return err
}

// IsAlive 非阻塞探测连接，探测读到的数据保留给下一次读取
func (l *link) IsAlive() bool {
	l.mu.Lock()
	st, closed, status := l.st, l.closed, l.status
	l.mu.Unlock()
	if st == nil || closed || status != device.StatusConnected {
		return false
	}
	if !st.peek() {
		l.setStatus(device.StatusError)
		return false
	}
	return true
}

func (l *link) Status() device.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *link) DeviceType() device.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.devType
}

func (l *link) Banner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.banner.String()
}

func (l *link) Prompt() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prompt
}

// Info 设备信息快照
func (l *link) Info() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.info)+1)
	for k, v := range l.info {
		out[k] = v
	}
	out["device_type"] = string(l.devType)
	return out
}

func (l *link) setStatus(s device.Status) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

func (l *link) setDeviceType(t device.Type) {
	l.mu.Lock()
	l.devType = t
	l.mu.Unlock()
}

func (l *link) appendBanner(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := maxBannerSize - l.banner.Len(); room > 0 {
		l.banner.WriteString(device.StripANSIAndControl(l.decode(b[:min(len(b), room)])))
	}
}

func (l *link) decode(b []byte) string {
	return device.DecodeOutput(b, l.opts.Charsets)
}

// Conn 通用 Telnet 连接
type Conn struct {
	*link
}

// NewConn 创建通用 Telnet 连接（尚未拨号）
func NewConn(creds device.Credentials, opts Options) Connection {
	return &Conn{link: newLink(creds, opts, "\n", device.DefaultPromptChars)}
}

// Connect 拨号、登录并根据横幅识别设备类型
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	err := c.login(ctx, loginScript{
		window:     c.opts.LoginTimeout,
		isLogin:    device.IsLoginPrompt,
		isPassword: device.IsPasswordPrompt,
		isPrompt:   func(t string) bool { return device.IsSuccessPrompt(t, device.DefaultPromptChars) },
	})
	if err = c.finish(ctx, err); err != nil {
		return err
	}
	c.setDeviceType(device.Classify(c.Banner()))
	c.probeVersion(ctx, c.Execute)
	c.log.WithFields(logrus.Fields{"device_type": c.DeviceType(), "prompt": c.Prompt()}).Info("Telnet 登录成功")
	return nil
}

// Execute 执行命令并返回清洗后的输出
func (c *Conn) Execute(ctx context.Context, command string) (string, error) {
	return c.run(ctx, command, c.pager(c.opts.MaxIterations))
}

// Disconnect 发送 exit 后关闭连接
func (c *Conn) Disconnect() error {
	return c.disconnect("exit")
}
