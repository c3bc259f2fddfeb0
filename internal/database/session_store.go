package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sshcollectorpro/devterm/internal/model"
	"github.com/sshcollectorpro/devterm/internal/terminal"
	"github.com/sshcollectorpro/devterm/pkg/logger"
)

const retryAttempts = 3

// SessionStore 会话审计存储，实现 terminal.Recorder
type SessionStore struct {
	db *DB
}

// NewSessionStore 创建会话审计存储
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Record 写入会话事件，并维护会话汇总记录
func (s *SessionStore) Record(ctx context.Context, ev terminal.Event) error {
	event := model.SessionEvent{
		ID:        uuid.NewString(),
		SessionID: ev.Session.SessionID,
		Kind:      ev.Kind,
		Command:   ev.Command,
		Detail:    ev.Detail,
		Duration:  ev.Duration.Milliseconds(),
		CreatedAt: ev.At,
	}
	return s.db.WithRetry(func(db *gorm.DB) error {
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&event).Error; err != nil {
				return err
			}
			return s.applySummary(tx, ev)
		})
	}, retryAttempts, 0)
}

func (s *SessionStore) applySummary(tx *gorm.DB, ev terminal.Event) error {
	q := tx.Model(&model.Session{}).Where("id = ?", ev.Session.SessionID)
	switch ev.Kind {
	case terminal.EventConnected:
		return tx.Create(&model.Session{
			ID:             ev.Session.SessionID,
			ConnectionType: string(ev.Session.ConnectionType),
			Host:           ev.Session.Host,
			Port:           ev.Session.Port,
			Username:       ev.Session.Username,
			DeviceType:     string(ev.Session.DeviceType),
			Version:        ev.DeviceInfo["version"],
			ConnectedAt:    ev.Session.ConnectedAt,
		}).Error
	case terminal.EventCommand, terminal.EventCommandFailed:
		return q.UpdateColumn("commands", gorm.Expr("commands + ?", 1)).Error
	case terminal.EventDisconnected, terminal.EventEvicted:
		at := ev.At
		return q.Updates(map[string]interface{}{"closed_at": &at, "close_reason": ev.Detail}).Error
	}
	return nil
}

// GetSession 查询会话汇总记录
func (s *SessionStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var out model.Session
	if err := s.db.Gorm().WithContext(ctx).First(&out, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEvents 按时间顺序列出会话事件，limit<=0 表示不限制
func (s *SessionStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]model.SessionEvent, error) {
	var out []model.SessionEvent
	q := s.db.Gorm().WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Purge 删除 before 之前结束的会话及其事件
func (s *SessionStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var ids []string
	db := s.db.Gorm().WithContext(ctx)
	if err := db.Model(&model.Session{}).Where("closed_at IS NOT NULL AND closed_at < ?", before).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN ?", ids).Delete(&model.SessionEvent{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&model.Session{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// RunRetention 按 interval 周期删除结束时间早于 retention 的会话记录，启动时先执行一次。
// 阻塞直到 ctx 取消
func (s *SessionStore) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := s.Purge(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.WithError(err).Warn("清理过期会话记录失败")
		case n > 0:
			logger.WithField("count", n).Info("已清理过期会话记录")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
