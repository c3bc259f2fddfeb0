package device

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// vendorKeywords 按顺序匹配，先命中者优先
var vendorKeywords = []struct {
	typ      Type
	keywords []string
}{
	{TypeHuawei, []string{"huawei", "vrp"}},
	{TypeCisco, []string{"cisco", "ios"}},
	{TypeJuniper, []string{"juniper", "junos"}},
	{TypeH3C, []string{"h3c", "comware"}},
}

// DefaultPromptChars 通用提示符结尾字符
var DefaultPromptChars = []string{"#", ">", "$", "]"}

// HuaweiPromptChars 华为/华三提示符结尾字符
var HuaweiPromptChars = []string{">", "]", "#"}

// huaweiPromptOpeners 华为提示符行首字符，如 <HUAWEI> [HUAWEI] {HUAWEI}
var huaweiPromptOpeners = []string{"<", "[", "{"}

var loginMarkers = []string{"login:", "username:", "user name:", "user:"}

var passwordMarkers = []string{"password:", "passwd:", "pass:", "密码:"}

// 包含密码关键字但不是密码提示的错误文案
var passwordPromptExclusions = []string{
	"authentication failed",
	"login failed",
	"access denied",
	"permission denied",
	"password required, but none set",
	"incorrect",
}

var authFailureKeywords = []string{"incorrect", "failed", "invalid"}

// 长标记在前，避免被短标记截断
var paginationMarkers = []string{
	"<--- More --->",
	"---- More ----",
	"-- More --",
	"--More--",
	"Press any key to continue",
	"Press SPACE to continue",
}

var (
	ansiMoreRe  = regexp.MustCompile(`\x1b\[\d*m\s*--\s*More\s*--\s*\x1b\[\d*m`)
	ansiRe      = regexp.MustCompile(`\x1b(\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(\x07|\x1b\\)|[()][0-9A-Za-z]|[=>78DEHM])`)
	controlRe   = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	blankRunsRe = regexp.MustCompile(`\n{4,}`)
)

// Classify 根据横幅或回显文本识别设备厂商
func Classify(text string) Type {
	lower := strings.ToLower(text)
	for _, v := range vendorKeywords {
		for _, kw := range v.keywords {
			if strings.Contains(lower, kw) {
				return v.typ
			}
		}
	}
	return TypeUnknown
}

// PromptChars 设备类型对应的提示符字符集
func PromptChars(t Type) []string {
	switch t {
	case TypeHuawei, TypeH3C:
		return HuaweiPromptChars
	}
	return DefaultPromptChars
}

// IsLoginPrompt 是否为用户名提示
func IsLoginPrompt(text string) bool {
	last := strings.ToLower(lastLine(text))
	for _, m := range loginMarkers {
		if strings.HasSuffix(last, m) {
			return true
		}
	}
	return false
}

// IsPasswordPrompt 是否为密码提示
func IsPasswordPrompt(text string) bool {
	last := strings.ToLower(lastLine(text))
	if last == "" {
		return false
	}
	for _, ex := range passwordPromptExclusions {
		if strings.Contains(last, ex) {
			return false
		}
	}
	for _, m := range passwordMarkers {
		if strings.HasSuffix(last, m) {
			return true
		}
	}
	return false
}

// IsSuccessPrompt 文本是否停在命令提示符上（提示符后没有换行）
func IsSuccessPrompt(text string, chars []string) bool {
	clean := strings.TrimRight(StripANSIAndControl(text), " \t")
	if clean == "" || strings.HasSuffix(clean, "\n") {
		return false
	}
	// 单独的 "#" 行是华为配置分隔符
	if len(lastLine(clean)) < 2 {
		return false
	}
	return PromptChar(clean, chars) != ""
}

// IsHuaweiPrompt 华为系提示符：行首为 < [ { 且以提示符字符结尾
func IsHuaweiPrompt(text string) bool {
	if !IsSuccessPrompt(text, HuaweiPromptChars) {
		return false
	}
	last := lastLine(text)
	if PromptChar(last, HuaweiPromptChars) == "" {
		return false
	}
	for _, o := range huaweiPromptOpeners {
		if strings.HasPrefix(last, o) {
			return true
		}
	}
	return false
}

// PromptChar 返回末行结尾的提示符字符，未命中返回空串
func PromptChar(text string, chars []string) string {
	last := lastLine(text)
	if last == "" || (strings.ContainsAny(last, " \t") && !looksLikePrompt(last)) {
		return ""
	}
	for _, c := range chars {
		if strings.HasSuffix(last, c) {
			return c
		}
	}
	return ""
}

// TrailingPromptChar 末行像提示符时返回其结尾的符号字符（如 "switch%" 的 "%"），
// 用于学习登录后设备实际使用的提示符。以字母数字结尾时返回空串
func TrailingPromptChar(text string) string {
	last := lastLine(text)
	if len(last) < 2 || (strings.ContainsAny(last, " \t") && !looksLikePrompt(last)) {
		return ""
	}
	r, _ := utf8.DecodeLastRuneInString(last)
	if r == utf8.RuneError || unicode.IsLetter(r) || unicode.IsDigit(r) {
		return ""
	}
	return string(r)
}

// PromptLine 返回末行（去除首尾空白），用作提示符签名
func PromptLine(text string) string {
	return lastLine(text)
}

// IsAuthFailure 是否包含认证失败关键字
func IsAuthFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range authFailureKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// IsPaginationPrompt 是否出现分页提示
func IsPaginationPrompt(text string) bool {
	if ansiMoreRe.MatchString(text) {
		return true
	}
	for _, m := range paginationMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// StripPagination 移除分页提示（含 ANSI 高亮形式）
func StripPagination(text string) string {
	text = ansiMoreRe.ReplaceAllString(text, "")
	for _, m := range paginationMarkers {
		text = strings.ReplaceAll(text, m, "")
	}
	return text
}

// StripANSIAndControl 移除转义序列与控制字符，统一换行为 \n
func StripANSIAndControl(text string) string {
	text = ansiRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return controlRe.ReplaceAllString(text, "")
}

// lastLine 最后一个非空行
func lastLine(text string) string {
	text = StripANSIAndControl(text)
	text = strings.TrimRight(text, " \t\n")
	if i := strings.LastIndex(text, "\n"); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(text)
}

// looksLikePrompt 允许 "user@host:~ $" 与 "RP/0/RSP0/CPU0:router#" 一类提示符，
// 拒绝普通输出行
func looksLikePrompt(line string) bool {
	fields := strings.Fields(line)
	return len(fields) == 2 && len(fields[1]) == 1
}
