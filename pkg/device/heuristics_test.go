package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want Type
	}{
		{"Huawei Versatile Routing Platform Software\r\nVRP (R) software, Version 5.170", TypeHuawei},
		{"welcome to VRP", TypeHuawei},
		{"Cisco IOS Software, C2960 Software", TypeCisco},
		{"JUNOS 18.4R1 built", TypeJuniper},
		{"H3C Comware Platform Software", TypeH3C},
		{"Ubuntu 22.04 LTS", TypeUnknown},
		{"", TypeUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.text), "文本: %q", c.text)
	}
}

func TestClassifyFirstVendorWins(t *testing.T) {
	// 同时包含多个厂商关键字时按固定顺序取第一个
	assert.Equal(t, TypeHuawei, Classify("cisco compatible VRP"))
}

func TestLoginAndPasswordPrompts(t *testing.T) {
	assert.True(t, IsLoginPrompt("\r\nLogin authentication\r\n\r\nUsername:"))
	assert.True(t, IsLoginPrompt("router login: "))
	assert.False(t, IsLoginPrompt("Last login: Mon Jan 1 from 10.0.0.1\r\n"))

	assert.True(t, IsPasswordPrompt("Username:admin\r\nPassword:"))
	assert.True(t, IsPasswordPrompt("Enter passwd: "))
	assert.False(t, IsPasswordPrompt("% Authentication failed, password:"))
	assert.False(t, IsPasswordPrompt("Username:"))
}

func TestIsSuccessPrompt(t *testing.T) {
	assert.True(t, IsSuccessPrompt("Info: login ok\r\n<HUAWEI>", HuaweiPromptChars))
	assert.True(t, IsSuccessPrompt("router#", DefaultPromptChars))
	assert.True(t, IsSuccessPrompt("admin@box:~ $", DefaultPromptChars))
	assert.True(t, IsSuccessPrompt("\x1b[1mrouter#\x1b[0m", DefaultPromptChars))

	assert.False(t, IsSuccessPrompt("router#\r\n", DefaultPromptChars), "提示符后出现换行说明仍在输出")
	assert.False(t, IsSuccessPrompt("sysname HUAWEI\r\n#", HuaweiPromptChars), "单独的 # 是配置分隔符")
	assert.False(t, IsSuccessPrompt("Username:", DefaultPromptChars))
	assert.False(t, IsSuccessPrompt("interface uplink to core >", DefaultPromptChars))
}

func TestTrailingPromptChar(t *testing.T) {
	assert.Equal(t, "%", TrailingPromptChar("Last login: today\r\nswitch%"))
	assert.Equal(t, "#", TrailingPromptChar("router#"))
	assert.Equal(t, ">", TrailingPromptChar("<HUAWEI>"))
	assert.Equal(t, "$", TrailingPromptChar("admin@host:~ $"))
	assert.Equal(t, "", TrailingPromptChar("SwitchOS 4.2"))
	assert.Equal(t, "", TrailingPromptChar("Interface  up  up  0.01%"))
	assert.Equal(t, "", TrailingPromptChar("%"))
	assert.Equal(t, "", TrailingPromptChar(""))
}

func TestIsHuaweiPrompt(t *testing.T) {
	assert.True(t, IsHuaweiPrompt("<HUAWEI>"))
	assert.True(t, IsHuaweiPrompt("[~HUAWEI-GigabitEthernet0/0/1]"))
	assert.False(t, IsHuaweiPrompt("router#"))
	assert.Equal(t, ">", PromptChar("<HUAWEI>", HuaweiPromptChars))
}

func TestAuthFailure(t *testing.T) {
	assert.True(t, IsAuthFailure("% Login incorrect password"))
	assert.True(t, IsAuthFailure("Error: Authentication FAILED"))
	assert.True(t, IsAuthFailure("invalid user"))
	assert.False(t, IsAuthFailure("<HUAWEI>"))
}

func TestPagination(t *testing.T) {
	for _, marker := range []string{
		"  ---- More ----",
		"--More--",
		" -- More -- ",
		"<--- More --->",
		"Press any key to continue",
		"Press SPACE to continue",
		"\x1b[7m--More--\x1b[m",
		"\x1b[7m -- More -- \x1b[27m",
	} {
		text := "line 1\r\nline 2\r\n" + marker
		assert.True(t, IsPaginationPrompt(text), "标记: %q", marker)
		assert.False(t, IsPaginationPrompt(StripPagination(text)), "标记未被移除: %q", marker)
	}
	assert.False(t, IsPaginationPrompt("more output follows"))
}

func TestStripANSIAndControl(t *testing.T) {
	in := "\x1b[31mred\x1b[0m\r\nbell\x07 back\x08\r\nend\x1b[16D"
	assert.Equal(t, "red\nbell back\nend", StripANSIAndControl(in))
}

func TestCleanResponse(t *testing.T) {
	raw := "display version\r\n" +
		"Huawei Versatile Routing Platform Software\r\n" +
		"  ---- More ----\x1b[16D                \x1b[16D" +
		"VRP (R) software\r\n" +
		"\r\n\r\n\r\n\r\n\r\n" +
		"                    deep indent\r\n" +
		"<HUAWEI>"

	out := CleanResponse(raw, "display version", HuaweiPromptChars)

	assert.NotContains(t, out, "display version")
	assert.NotContains(t, out, "More")
	assert.NotContains(t, out, "<HUAWEI>")
	assert.NotContains(t, out, "\x1b")
	assert.NotContains(t, out, "\n\n\n\n", "连续空行应压缩为两行")
	assert.Contains(t, out, "\n\n\n    deep indent")
	assert.Contains(t, out, "Huawei Versatile Routing Platform Software")
}

func TestCleanResponseKeepsOutputWhenNoEcho(t *testing.T) {
	out := CleanResponse("result line\r\nrouter#", "show clock", DefaultPromptChars)
	assert.Equal(t, "result line", out)
}

func TestSniffBanner(t *testing.T) {
	assert.Equal(t, ServiceTelnet, SniffBanner([]byte{0xff, 0xfd, 0x18}))
	assert.Equal(t, ServiceSSH, SniffBanner([]byte("SSH-2.0-OpenSSH_8.9\r\n")))
	assert.Equal(t, ServiceHTTP, SniffBanner([]byte("HTTP/1.1 400 Bad Request\r\n")))
	assert.Equal(t, ServiceHTTP, SniffBanner([]byte("<HTML><body>")))
	assert.Equal(t, ServiceUnknown, SniffBanner([]byte("Username:")))
	assert.Equal(t, ServiceUnknown, SniffBanner(nil))
}

func TestDecodeOutput(t *testing.T) {
	assert.Equal(t, "plain", DecodeOutput([]byte("plain"), nil))
	// "中文" 的 GBK 编码
	gbk := []byte{0xd6, 0xd0, 0xce, 0xc4}
	assert.Equal(t, "中文", DecodeOutput(gbk, []string{"gbk"}))
	assert.Equal(t, "", DecodeOutput(nil, nil))

	// utf-8 与未知编码名被跳过，latin1 与 cp1252 别名可用
	assert.Equal(t, "café", DecodeOutput([]byte("caf\xe9"), []string{"utf-8", "klingon", "latin1"}))
	assert.Equal(t, "€", DecodeOutput([]byte{0x80}, []string{"UTF8", "cp1252"}))
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("connect: %w", NewError(KindAuthenticationFailed, "telnet handshake", "Login incorrect", nil))
	assert.True(t, errors.Is(err, ErrAuthenticationFailed))
	assert.False(t, errors.Is(err, ErrHandshakeTimeout))
	assert.Equal(t, KindAuthenticationFailed, KindOf(err))
	assert.Contains(t, err.Error(), "authentication failed")

	inner := errors.New("broken pipe")
	terr := NewError(KindTransport, "write", "", inner)
	assert.True(t, errors.Is(terr, inner))
	assert.Equal(t, KindSessionNotFound, KindOf(ErrSessionNotFound))
}

func TestCredentials(t *testing.T) {
	c := Credentials{Host: "10.0.0.1", Username: "admin", Password: "secret"}.WithDefaultPort(ProtocolTelnet)
	require.Equal(t, 23, c.Port)
	assert.Equal(t, "10.0.0.1:23", c.Address())
	assert.NotContains(t, c.String(), "secret")
	assert.Equal(t, 22, ProtocolSSH.DefaultPort())
	assert.Equal(t, TypeHuawei, ParseType("huawei"))
	assert.Equal(t, TypeUnknown, ParseType("nokia"))
}
