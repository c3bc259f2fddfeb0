package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/sshcollectorpro/devterm/internal/model"
	"github.com/sshcollectorpro/devterm/internal/terminal"
	"github.com/sshcollectorpro/devterm/pkg/device"
	"github.com/sshcollectorpro/devterm/pkg/logger"
)

// TerminalService 终端会话操作，由 terminal.Manager 实现
type TerminalService interface {
	Connect(ctx context.Context, req terminal.ConnectRequest) terminal.ConnectResult
	Execute(ctx context.Context, sessionID, command string) terminal.CommandResponse
	Disconnect(ctx context.Context, sessionID string) terminal.DisconnectResult
	ListSessions() []terminal.SessionInfo
	GetSession(sessionID string) (terminal.SessionInfo, error)
	CleanupIdle(ctx context.Context, threshold time.Duration) terminal.CleanupResult
	Count() int
}

// AuditStore 会话审计查询，由 database.SessionStore 实现
type AuditStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]model.SessionEvent, error)
}

// TerminalHandler 终端会话处理器
type TerminalHandler struct {
	service TerminalService
	audit   AuditStore
	checks  map[string]func() error
}

// NewTerminalHandler 创建终端处理器，checks 为健康检查附加项（如数据库）
func NewTerminalHandler(service TerminalService, checks map[string]func() error) *TerminalHandler {
	return &TerminalHandler{service: service, checks: checks}
}

// WithAudit 启用会话审计查询
func (h *TerminalHandler) WithAudit(store AuditStore) *TerminalHandler {
	h.audit = store
	return h
}

const defaultEventLimit = 100

// ExecuteRequest 命令执行请求
type ExecuteRequest struct {
	Command string `json:"command" binding:"required"`
	// Timeout 单条命令超时（秒），0 表示使用连接默认值
	Timeout int `json:"timeout"`
}

// Connect 建立终端会话
// @Summary 建立终端会话
// @Description 通过 Telnet 或 SSH 连接网络设备并登录
// @Tags terminal
// @Accept json
// @Produce json
// @Param request body terminal.ConnectRequest true "连接参数"
// @Success 200 {object} SuccessResponse "连接成功"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 429 {object} ErrorResponse "会话数已达上限"
// @Failure 502 {object} ErrorResponse "设备不可达或认证失败"
// @Router /api/v1/terminal/connect [post]
func (h *TerminalHandler) Connect(c *gin.Context) {
	var req terminal.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数错误: " + err.Error(),
		})
		return
	}

	res := h.service.Connect(c.Request.Context(), req)
	if !res.Success {
		c.JSON(statusForKind(res.Kind), ErrorResponse{
			Code:    codeForKind(res.Kind),
			Message: res.Message,
			Data:    res,
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "连接成功",
		Data:    res,
	})
}

// Execute 在会话上执行命令
// @Summary 执行命令
// @Description 在已建立的会话上执行一条命令并返回清洗后的输出
// @Tags terminal
// @Accept json
// @Produce json
// @Param id path string true "会话ID"
// @Param request body ExecuteRequest true "命令"
// @Success 200 {object} SuccessResponse "执行成功"
// @Failure 404 {object} ErrorResponse "会话不存在"
// @Failure 504 {object} ErrorResponse "命令超时"
// @Router /api/v1/terminal/sessions/{id}/execute [post]
func (h *TerminalHandler) Execute(c *gin.Context) {
	sessionID := c.Param("id")
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_PARAMS",
			Message: "请求参数错误: " + err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	res := h.service.Execute(ctx, sessionID, req.Command)
	if res.IsError {
		c.JSON(statusForKind(res.Kind), ErrorResponse{
			Code:    codeForKind(res.Kind),
			Message: res.Output,
			Data:    res,
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "执行成功",
		Data:    res,
	})
}

// Disconnect 断开会话
// @Summary 断开会话
// @Tags terminal
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {object} SuccessResponse "已断开"
// @Failure 404 {object} ErrorResponse "会话不存在"
// @Router /api/v1/terminal/sessions/{id} [delete]
func (h *TerminalHandler) Disconnect(c *gin.Context) {
	res := h.service.Disconnect(c.Request.Context(), c.Param("id"))
	if !res.Success {
		c.JSON(statusForKind(res.Kind), ErrorResponse{
			Code:    codeForKind(res.Kind),
			Message: res.Message,
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "会话已断开",
		Data:    res,
	})
}

// ListSessions 列出全部会话
// @Summary 会话列表
// @Tags terminal
// @Produce json
// @Success 200 {object} SuccessResponse "会话列表"
// @Router /api/v1/terminal/sessions [get]
func (h *TerminalHandler) ListSessions(c *gin.Context) {
	sessions := h.service.ListSessions()
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取成功",
		Data: gin.H{
			"total":    len(sessions),
			"sessions": sessions,
		},
	})
}

// GetSession 获取会话详情
// @Summary 会话详情
// @Tags terminal
// @Produce json
// @Param id path string true "会话ID"
// @Success 200 {object} SuccessResponse "会话信息"
// @Failure 404 {object} ErrorResponse "会话不存在"
// @Router /api/v1/terminal/sessions/{id} [get]
func (h *TerminalHandler) GetSession(c *gin.Context) {
	info, err := h.service.GetSession(c.Param("id"))
	if err != nil {
		kind := device.KindOf(err)
		c.JSON(statusForKind(kind), ErrorResponse{
			Code:    codeForKind(kind),
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取成功",
		Data:    info,
	})
}

// SessionEvents 查询会话审计记录与事件，已结束的会话同样可查
// @Summary 会话事件
// @Tags terminal
// @Produce json
// @Param id path string true "会话ID"
// @Param limit query int false "事件条数上限，默认 100"
// @Success 200 {object} SuccessResponse "审计记录"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Failure 404 {object} ErrorResponse "会话不存在"
// @Failure 501 {object} ErrorResponse "未启用审计"
// @Router /api/v1/terminal/sessions/{id}/events [get]
func (h *TerminalHandler) SessionEvents(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Code:    "AUDIT_DISABLED",
			Message: "会话审计未启用",
		})
		return
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:    "INVALID_PARAMS",
				Message: "limit 必须为非负整数",
			})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	session, err := h.audit.GetSession(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    codeForKind(device.KindSessionNotFound),
			Message: "session not found: " + id,
		})
		return
	}
	var events []model.SessionEvent
	if err == nil {
		events, err = h.audit.ListEvents(ctx, id, limit)
	}
	if err != nil {
		logger.WithSession(id).WithError(err).Error("查询会话审计失败")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "查询会话审计失败",
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取成功",
		Data: gin.H{
			"session": session,
			"total":   len(events),
			"events":  events,
		},
	})
}

// CleanupIdle 清理空闲会话
// @Summary 清理空闲会话
// @Description threshold 为空闲阈值（秒），缺省时按各协议默认超时清理
// @Tags terminal
// @Produce json
// @Param threshold query int false "空闲阈值（秒）"
// @Success 200 {object} SuccessResponse "清理结果"
// @Failure 400 {object} ErrorResponse "请求参数错误"
// @Router /api/v1/terminal/cleanup [post]
func (h *TerminalHandler) CleanupIdle(c *gin.Context) {
	var threshold time.Duration
	if raw := c.Query("threshold"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:    "INVALID_PARAMS",
				Message: "threshold 必须为非负整数秒",
			})
			return
		}
		threshold = time.Duration(secs) * time.Second
	}

	res := h.service.CleanupIdle(c.Request.Context(), threshold)
	logger.WithField("cleaned", res.CleanedCount).Info("手动清理空闲会话")
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "清理完成",
		Data:    res,
	})
}

// Health 健康检查
// @Summary 健康检查
// @Tags system
// @Produce json
// @Success 200 {object} SuccessResponse "服务正常"
// @Failure 503 {object} ErrorResponse "服务异常"
// @Router /api/v1/health [get]
func (h *TerminalHandler) Health(c *gin.Context) {
	for name, check := range h.checks {
		if err := check(); err != nil {
			logger.WithError(err).WithField("check", name).Warn("健康检查失败")
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Code:    "SERVICE_UNAVAILABLE",
				Message: name + ": " + err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "服务正常",
		Data: gin.H{
			"sessions": h.service.Count(),
			"time":     time.Now().Format(time.RFC3339),
		},
	})
}
