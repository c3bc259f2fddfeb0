package telnet

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/devterm/pkg/device"
)

const (
	huaweiLoginWindow = 3 * time.Second
	huaweiMaxPages    = 50
	huaweiSystemView  = "system-view"
)

// HuaweiConn 华为 VRP 设备的 Telnet 连接：精确的登录提示、CRLF 换行，
// 登录后进入系统视图
type HuaweiConn struct {
	*link
}

// NewHuaweiConn 创建华为 Telnet 连接（尚未拨号）
func NewHuaweiConn(creds device.Credentials, opts Options) Connection {
	c := &HuaweiConn{link: newLink(creds, opts, "\r\n", device.HuaweiPromptChars)}
	c.devType = device.TypeHuawei
	return c
}

func huaweiLoginPrompt(text string) bool {
	last := device.PromptLine(text)
	return strings.HasSuffix(last, "Username:") || strings.HasSuffix(last, "Login:")
}

func huaweiPasswordPrompt(text string) bool {
	return strings.HasSuffix(device.PromptLine(text), "Password:")
}

// Connect 登录并尝试进入系统视图，进入失败时停留在用户视图
func (c *HuaweiConn) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	err := c.login(ctx, loginScript{
		window:     min(c.opts.LoginTimeout, huaweiLoginWindow),
		isLogin:    huaweiLoginPrompt,
		isPassword: huaweiPasswordPrompt,
		isPrompt:   device.IsHuaweiPrompt,
	})
	if err = c.finish(ctx, err); err != nil {
		return err
	}

	if err := c.enterSystemView(ctx); err != nil {
		c.log.WithError(err).Warn("进入系统视图失败，保持用户视图")
	}
	c.probeVersion(ctx, c.Execute)
	c.log.WithFields(logrus.Fields{"prompt": c.Prompt()}).Info("华为设备 Telnet 登录成功")
	return nil
}

func (c *HuaweiConn) enterSystemView(ctx context.Context) error {
	p := c.pager(1)
	p.Timeout = min(c.opts.CommandTimeout, 5*time.Second)
	if _, err := c.run(ctx, huaweiSystemView, p); err != nil {
		return err
	}
	if !strings.HasSuffix(c.Prompt(), "]") {
		return device.NewError(device.KindTransport, "huawei system-view", "prompt "+c.Prompt(), nil)
	}
	c.mu.Lock()
	c.info["view"] = "system"
	c.mu.Unlock()
	return nil
}

// Execute 执行命令，自动翻页最多 50 次
func (c *HuaweiConn) Execute(ctx context.Context, command string) (string, error) {
	return c.run(ctx, command, c.pager(min(c.opts.MaxIterations, huaweiMaxPages)))
}

// Disconnect 依次发送 return、quit 后关闭连接
func (c *HuaweiConn) Disconnect() error {
	return c.disconnect("return", "quit")
}
