// termctl 命令行终端：建立一次会话，依次执行命令后断开
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sshcollectorpro/devterm/internal/terminal"
	"github.com/sshcollectorpro/devterm/pkg/device"
	"github.com/sshcollectorpro/devterm/pkg/logger"
	"github.com/sshcollectorpro/devterm/pkg/ssh"
	"github.com/sshcollectorpro/devterm/pkg/telnet"
)

func main() {
	proto := flag.String("proto", "ssh", "连接协议: telnet | ssh")
	host := flag.String("host", "127.0.0.1", "设备地址")
	port := flag.Int("port", 0, "端口，0 表示协议默认端口")
	user := flag.String("user", "admin", "用户名")
	pass := flag.String("pass", os.Getenv("DEVTERM_PASSWORD"), "密码，缺省读取 DEVTERM_PASSWORD")
	devType := flag.String("device", "", "已知设备类型（如 huawei），为空时自动识别")
	timeout := flag.Duration("timeout", 60*time.Second, "整体超时")
	level := flag.String("log", "warn", "日志级别")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: termctl [flags] command...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *level, Format: "text", Output: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	commands := flag.Args()
	if len(commands) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m := terminal.New([]terminal.Driver{
		telnet.NewManager(telnet.DefaultOptions()),
		ssh.NewManager(ssh.DefaultConfig()),
	}, terminal.WithSweepInterval(0))
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res := m.Connect(ctx, terminal.ConnectRequest{
		ConnectionType: device.Protocol(strings.ToLower(*proto)),
		Host:           *host,
		Port:           *port,
		Username:       *user,
		Password:       *pass,
		DeviceType:     device.Type(*devType),
	})
	if !res.Success {
		fmt.Fprintf(os.Stderr, "connect failed [%s]: %s\n", res.Kind, res.Message)
		os.Exit(1)
	}
	fmt.Printf("# session %s (%s)\n", res.SessionID, res.DeviceInfo["device_type"])
	if v := res.DeviceInfo["version"]; v != "" {
		fmt.Printf("# %s\n", v)
	}

	failed := false
	for _, cmd := range commands {
		out := m.Execute(ctx, res.SessionID, cmd)
		fmt.Printf("$ %s\n%s\n", cmd, out.Output)
		if out.IsError {
			failed = true
			fmt.Fprintf(os.Stderr, "command %q failed [%s]\n", cmd, out.Kind)
			if sessionGone(out.Kind) {
				break
			}
		}
	}
	m.Disconnect(ctx, res.SessionID)
	if failed {
		os.Exit(1)
	}
}

// sessionGone 这些错误发生后会话已被销毁
func sessionGone(kind device.Kind) bool {
	switch kind {
	case device.KindSessionNotFound, device.KindTransport, device.KindChannelStale:
		return true
	}
	return false
}
