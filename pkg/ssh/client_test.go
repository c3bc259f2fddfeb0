package ssh

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/devterm/pkg/device"
	"github.com/sshcollectorpro/devterm/simulate"
)

func testConfig() Config {
	return Config{
		ConnectTimeout: 3 * time.Second,
		CommandTimeout: 5 * time.Second,
		PollInterval:   20 * time.Millisecond,
		StablePolls:    5,
		ProbeWindow:    time.Second,
	}
}

func startSSH(t *testing.T, p simulate.Profile) *simulate.SSHServer {
	t.Helper()
	key, err := simulate.HostKey("")
	require.NoError(t, err)
	srv := simulate.NewSSHServer(p, key)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func infoFor(port int, password string) ConnectionInfo {
	return ConnectionInfo{Credentials: device.Credentials{
		Host: "127.0.0.1", Port: port, Username: "admin", Password: password,
	}}
}

func connectClient(t *testing.T, port int) *Client {
	t.Helper()
	c := NewClient(testConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, infoFor(port, "nova")))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientConnectAndExecute(t *testing.T) {
	srv := startSSH(t, simulate.GenericProfile())
	c := connectClient(t, srv.Port())

	assert.Equal(t, device.StatusConnected, c.Status())
	assert.Equal(t, "switch#", c.Prompt())
	assert.Equal(t, device.TypeUnknown, c.DeviceType())
	assert.True(t, c.IsAlive())

	out, err := c.Execute(context.Background(), "show clock")
	require.NoError(t, err)
	assert.Equal(t, "10:00:00.000 UTC Wed May 1 2024", out)

	out, err = c.Execute(context.Background(), "uname")
	require.NoError(t, err)
	assert.Equal(t, "SwitchOS 4.2", out)
	assert.EqualValues(t, 1, srv.Stats().Logins())
}

func TestClientPagination(t *testing.T) {
	srv := startSSH(t, simulate.GenericProfile())
	c := connectClient(t, srv.Port())

	out, err := c.Execute(context.Background(), "show interfaces")
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.Stats().Continuations())
	assert.NotContains(t, out, "More")
	assert.Contains(t, out, "Ethernet1/50")
}

func TestClientClassifiesHuawei(t *testing.T) {
	srv := startSSH(t, simulate.HuaweiProfile())
	c := connectClient(t, srv.Port())

	assert.Equal(t, device.TypeHuawei, c.DeviceType())
	assert.Equal(t, "<HUAWEI>", c.Prompt())
	assert.Contains(t, c.Info()["version"], "Huawei Versatile Routing Platform")

	out, err := c.Execute(context.Background(), "display clock")
	require.NoError(t, err)
	assert.Contains(t, out, "2024-05-01")
}

func TestClientAuthenticationFailure(t *testing.T) {
	srv := startSSH(t, simulate.GenericProfile())
	c := NewClient(testConfig(), nil)

	err := c.Connect(context.Background(), infoFor(srv.Port(), "wrong"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrAuthenticationFailed), "err: %v", err)
	assert.Equal(t, device.StatusError, c.Status())
	assert.Positive(t, srv.Stats().FailedLogins())
	assert.NotContains(t, err.Error(), "wrong")
}

func TestClientRejectsTelnetService(t *testing.T) {
	tel := simulate.NewTelnetServer(simulate.HuaweiProfile())
	require.NoError(t, tel.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = tel.Close() })

	c := NewClient(testConfig(), nil)
	err := c.Connect(context.Background(), infoFor(tel.Port(), "nova"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrWrongService), "err: %v", err)
}

func TestClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewClient(testConfig(), nil)
	err = c.Connect(context.Background(), infoFor(port, "nova"))
	assert.True(t, errors.Is(err, device.ErrUnreachable), "err: %v", err)
}

func TestClientReconnectsStaleChannel(t *testing.T) {
	srv := startSSH(t, simulate.GenericProfile())
	c := connectClient(t, srv.Port())

	_, err := c.Execute(context.Background(), "show clock")
	require.NoError(t, err)

	srv.DropConnections()
	assert.Eventually(t, func() bool { return !c.IsAlive() }, 2*time.Second, 20*time.Millisecond)

	out, err := c.Execute(context.Background(), "uname")
	require.NoError(t, err)
	assert.Equal(t, "SwitchOS 4.2", out)
	assert.EqualValues(t, 2, srv.Stats().Logins())
	assert.Equal(t, 1, c.Reconnects())
	assert.Equal(t, "1", c.Info()["reconnects"])
	assert.Equal(t, device.StatusConnected, c.Status())
}

func TestClientCheckLiveness(t *testing.T) {
	srv := startSSH(t, simulate.GenericProfile())
	c := connectClient(t, srv.Port())

	require.NoError(t, c.CheckLiveness(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, device.StatusDisconnected, c.Status())
	err := c.CheckLiveness(context.Background())
	assert.True(t, errors.Is(err, device.ErrChannelStale))
	assert.False(t, c.IsAlive())
	assert.Eventually(t, func() bool { return srv.Stats().Active() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestClientLearnsNonStandardPrompt(t *testing.T) {
	p := simulate.GenericProfile()
	p.PromptFormat = "%s%%"
	srv := startSSH(t, p)
	c := connectClient(t, srv.Port())
	assert.Equal(t, "switch%", c.Prompt())

	require.NoError(t, c.CheckLiveness(context.Background()))
	for i := 0; i < 3; i++ {
		out, err := c.Execute(context.Background(), "uname")
		require.NoError(t, err)
		assert.Equal(t, "SwitchOS 4.2", out)
		assert.NotContains(t, out, "switch%")
	}
	assert.EqualValues(t, 1, srv.Stats().Logins(), "活性检查不应触发重连")
	assert.Zero(t, c.Reconnects())
}

func TestSniffRejectsHTTP(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() { _, _ = server.Write([]byte("HTTP/1.1 400 Bad Request\r\n")) }()

	_, err := sniff(client, time.Second)
	assert.True(t, errors.Is(err, device.ErrWrongService))
}

func TestReplayConnReturnsSniffedBytesFirst(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() { _, _ = server.Write([]byte("-2.0-X\r\n")) }()

	r := &replayConn{Conn: client, buf: []byte("SSH")}
	buf := make([]byte, 2)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "SS", string(buf[:n]))

	buf = make([]byte, 16)
	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "H", string(buf[:n]))

	n, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "-2.0-X\r\n", string(buf[:n]))
}

func TestManagerOpen(t *testing.T) {
	srv := startSSH(t, simulate.GenericProfile())
	m := NewManager(testConfig())
	assert.Equal(t, device.ProtocolSSH, m.Protocol())
	assert.Equal(t, DefaultIdleTimeout, m.IdleTimeout())

	conn, err := m.Open(context.Background(), infoFor(srv.Port(), "nova").Credentials, device.TypeCisco)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Disconnect() })
	assert.Equal(t, device.TypeCisco, conn.DeviceType(), "已知类型优先于横幅识别")
}
