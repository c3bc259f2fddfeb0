package logger

import (
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 命令输出的首尾若干行
type OutputLines struct {
	Head  []string `json:"head_lines"`
	Tail  []string `json:"tail_lines"`
	Total int      `json:"total"`
}

// PreviewOutput 截取输出的首尾各 maxLines 行，maxLines<=0 时取 5 行
func PreviewOutput(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}
	output = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(output)
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return OutputLines{}
	}
	lines := strings.Split(output, "\n")
	n := min(maxLines, len(lines))
	return OutputLines{
		Head:  slices.Clone(lines[:n]),
		Tail:  slices.Clone(lines[len(lines)-n:]),
		Total: len(lines),
	}
}

// String 日志格式，首尾相同时只输出一次
func (o OutputLines) String() string {
	if o.Total == 0 {
		return ""
	}
	s := "head-lines: [" + strings.Join(o.Head, " ⟩ ") + "]"
	if !slices.Equal(o.Head, o.Tail) {
		s += ", tail-lines: [" + strings.Join(o.Tail, " ⟩ ") + "]"
	}
	return s
}

// DebugOutput 在 debug 级别记录命令输出摘要
func DebugOutput(entry *logrus.Entry, output string, maxLines int) {
	if !entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	preview := PreviewOutput(output, maxLines)
	entry.WithField("lines", preview.Total).Debugf("命令输出 %s", preview)
}
