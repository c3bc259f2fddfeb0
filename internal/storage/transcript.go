package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sshcollectorpro/devterm/internal/terminal"
	"github.com/sshcollectorpro/devterm/pkg/logger"
)

// TranscriptArchiver 会话结束时把交互记录写入存储，实现 terminal.Archiver
type TranscriptArchiver struct {
	writer Writer
	prefix string
}

// NewTranscriptArchiver 创建归档器
func NewTranscriptArchiver(w Writer, prefix string) *TranscriptArchiver {
	return &TranscriptArchiver{writer: w, prefix: strings.Trim(prefix, "/")}
}

// ObjectPath 归档对象路径：prefix/<主机>/<日期_时间>/<会话ID>.log
func (a *TranscriptArchiver) ObjectPath(info terminal.SessionInfo) string {
	parts := make([]string, 0, 4)
	if a.prefix != "" {
		parts = append(parts, a.prefix)
	}
	parts = append(parts,
		slug(fmt.Sprintf("%s_%d", info.Host, info.Port)),
		info.ConnectedAt.Format("20060102_150405"),
		slug(info.SessionID)+".log",
	)
	return path.Join(parts...)
}

// Archive 写入交互记录，头部附带会话元数据
func (a *TranscriptArchiver) Archive(ctx context.Context, info terminal.SessionInfo, transcript []byte) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# session: %s\n", info.SessionID)
	fmt.Fprintf(&sb, "# %s %s@%s:%d device=%s\n", info.ConnectionType, info.Username, info.Host, info.Port, info.DeviceType)
	fmt.Fprintf(&sb, "# connected: %s last activity: %s\n\n",
		info.ConnectedAt.Format("2006-01-02 15:04:05"), info.LastActivity.Format("2006-01-02 15:04:05"))
	sb.Write(transcript)

	obj, err := a.writer.Write(ctx, a.ObjectPath(info), []byte(sb.String()), "")
	if err != nil {
		return err
	}
	logger.WithSession(info.SessionID).WithField("uri", obj.URI).Debug("会话记录已归档")
	return nil
}
