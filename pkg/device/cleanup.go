package device

import (
	"bytes"
	"strings"
)

// CleanResponse 清洗命令原始输出：去除转义序列与分页提示、首行回显、末尾提示符，
// 压缩过深缩进与连续空行
func CleanResponse(raw, command string, promptChars []string) string {
	text := StripPagination(raw)
	text = StripANSIAndControl(text)
	text = StripPagination(text)

	lines := strings.Split(text, "\n")

	// 首个非空行包含命令即视为回显
	if cmd := strings.TrimSpace(command); cmd != "" {
		for i, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if strings.Contains(line, cmd) {
				lines = lines[i+1:]
			}
			break
		}
	}

	// 末尾提示符行
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if len(last) >= 2 && PromptChar(last, promptChars) != "" {
			lines = lines[:len(lines)-1]
		}
	}

	for i, line := range lines {
		line = strings.TrimRight(line, " \t")
		n := len(line) - len(strings.TrimLeft(line, " "))
		if n > 8 {
			line = strings.Repeat(" ", min(4, n/2)) + line[n:]
		}
		lines[i] = line
	}

	out := strings.Join(lines, "\n")
	out = blankRunsRe.ReplaceAllString(out, "\n\n\n")
	return strings.Trim(out, "\n")
}

// Service 端口上运行的服务
type Service string

const (
	ServiceUnknown Service = "unknown"
	ServiceTelnet  Service = "telnet"
	ServiceSSH     Service = "ssh"
	ServiceHTTP    Service = "http"
)

// SniffBanner 根据首包内容判断对端服务
func SniffBanner(b []byte) Service {
	if len(b) == 0 {
		return ServiceUnknown
	}
	if b[0] == 0xff {
		return ServiceTelnet
	}
	trimmed := bytes.TrimLeft(b, "\r\n ")
	if bytes.HasPrefix(trimmed, []byte("SSH-")) {
		return ServiceSSH
	}
	lower := bytes.ToLower(b)
	if bytes.HasPrefix(trimmed, []byte("HTTP/")) || bytes.Contains(lower, []byte("<html")) {
		return ServiceHTTP
	}
	return ServiceUnknown
}

// VersionCommand 获取设备版本信息的命令
func VersionCommand(t Type) string {
	switch t {
	case TypeHuawei, TypeH3C:
		return "display version"
	case TypeCisco, TypeJuniper:
		return "show version"
	}
	return ""
}

// VersionLine 版本命令输出中的首个非空行
func VersionLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
