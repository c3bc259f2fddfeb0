package device

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// DefaultCharsets 设备输出非 UTF-8 时依次尝试的编码
var DefaultCharsets = []string{"gb18030", "gbk", "big5", "windows-1252"}

var charsets = map[string]encoding.Encoding{
	"gb18030":      simplifiedchinese.GB18030,
	"gbk":          simplifiedchinese.GBK,
	"hz-gb-2312":   simplifiedchinese.HZGB2312,
	"big5":         traditionalchinese.Big5,
	"windows-1252": charmap.Windows1252,
	"iso-8859-1":   charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"macintosh":    charmap.Macintosh,
}

// lookupCharset 先查常用设备编码表，再按 WHATWG 编码标签解析。
// utf-8 已由合法性检查覆盖，不参与回退解码
func lookupCharset(name string) (encoding.Encoding, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if enc, ok := charsets[name]; ok {
		return enc, true
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, false
	}
	if canonical, _ := htmlindex.Name(enc); canonical == "utf-8" {
		return nil, false
	}
	return enc, true
}

// DecodeOutput 将设备输出转换为 UTF-8。已是合法 UTF-8 时原样返回，
// 否则按 names 顺序尝试解码，全部失败则按字节直接转换
func DecodeOutput(b []byte, names []string) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	if len(names) == 0 {
		names = DefaultCharsets
	}
	for _, name := range names {
		enc, ok := lookupCharset(name)
		if !ok {
			continue
		}
		if s, ok := decodeWith(enc, b); ok {
			return s
		}
	}
	return string(b)
}

func decodeWith(enc encoding.Encoding, b []byte) (string, bool) {
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(b), enc.NewDecoder()))
	if err != nil || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}
