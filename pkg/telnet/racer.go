package telnet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sshcollectorpro/devterm/pkg/device"
	"github.com/sshcollectorpro/devterm/pkg/logger"
)

// Strategy 一种连接策略
type Strategy struct {
	Name string
	// Vendor 策略针对的厂商，通用策略为空
	Vendor  device.Type
	Timeout time.Duration
	Build   func(creds device.Credentials) Connection
}

// Racer 并发尝试多种连接策略，采用第一个成功的连接
type Racer struct {
	Strategies []Strategy
	// Fallback 所有策略均超时后的单次长超时尝试
	Fallback Strategy
}

// DefaultStrategies 华为快速通道、通用短窗口、raw 直连三种策略
func DefaultStrategies(opts Options, reg *Registry) []Strategy {
	opts = opts.withDefaults()
	fast := opts
	fast.LoginTimeout = min(opts.LoginTimeout, 2*time.Second)
	fast.StablePolls = min(opts.StablePolls, 3)
	raw := fast
	raw.RefuseOptions = true
	huawei := reg.Lookup(device.TypeHuawei)
	generic := reg.Lookup(device.TypeUnknown)
	return []Strategy{
		{Name: "huawei", Vendor: device.TypeHuawei, Timeout: 8 * time.Second, Build: func(c device.Credentials) Connection { return huawei(c, opts) }},
		{Name: "generic", Timeout: 10 * time.Second, Build: func(c device.Credentials) Connection { return generic(c, fast) }},
		{Name: "raw", Timeout: 10 * time.Second, Build: func(c device.Credentials) Connection { return generic(c, raw) }},
	}
}

// DefaultFallback 通用策略，30 秒超时
func DefaultFallback(opts Options, reg *Registry) Strategy {
	generic := reg.Lookup(device.TypeUnknown)
	return Strategy{
		Name:    "fallback",
		Timeout: 30 * time.Second,
		Build:   func(c device.Credentials) Connection { return generic(c, opts) },
	}
}

type attempt struct {
	strategy Strategy
	conn     Connection
	err      error
}

// Race 并发执行全部策略。第一个成功者胜出后取消其余尝试并等待它们全部返回，
// 晚到的成功连接会被立即关闭。认证失败、不可达与服务不符直接返回，不做回退
func (r *Racer) Race(ctx context.Context, creds device.Credentials) (Connection, Strategy, error) {
	log := logger.WithDevice(string(device.ProtocolTelnet), creds.Address())
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attempt, len(r.Strategies))
	var g errgroup.Group
	for _, s := range r.Strategies {
		g.Go(func() error {
			attemptCtx, done := context.WithTimeout(raceCtx, s.Timeout)
			defer done()
			conn := s.Build(creds)
			err := conn.Connect(attemptCtx)
			results <- attempt{strategy: s, conn: conn, err: err}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	var (
		winner *attempt
		fatal  error
		errs   []error
	)
	for a := range results {
		if a.err == nil {
			if winner == nil {
				winner = &a
				cancel()
				continue
			}
			log.WithField("strategy", a.strategy.Name).Debug("关闭晚到的成功连接")
			_ = a.conn.Disconnect()
			continue
		}
		log.WithFields(logrus.Fields{"strategy": a.strategy.Name, "error": a.err}).Debug("连接策略失败")
		errs = append(errs, fmt.Errorf("%s: %w", a.strategy.Name, a.err))
		if fatal == nil && isFatal(a.err) {
			fatal = a.err
			cancel()
		}
	}

	if winner != nil {
		log.WithFields(logrus.Fields{"strategy": winner.strategy.Name, "device_type": winner.conn.DeviceType()}).Info("连接策略胜出")
		return winner.conn, winner.strategy, nil
	}
	if fatal != nil {
		return nil, Strategy{}, fatal
	}
	if err := ctx.Err(); err != nil {
		return nil, Strategy{}, device.NewError(device.KindHandshakeTimeout, "telnet race", "cancelled", err)
	}
	if r.Fallback.Build == nil {
		return nil, Strategy{}, pickError(errs)
	}

	log.WithField("strategy", r.Fallback.Name).Info("全部策略失败，使用回退策略")
	fbCtx, done := context.WithTimeout(ctx, r.Fallback.Timeout)
	defer done()
	conn := r.Fallback.Build(creds)
	if err := conn.Connect(fbCtx); err != nil {
		return nil, Strategy{}, err
	}
	return conn, r.Fallback, nil
}

// isFatal 换一种策略也无法改变结果的错误
func isFatal(err error) bool {
	switch device.KindOf(err) {
	case device.KindAuthenticationFailed, device.KindUnreachable, device.KindWrongService:
		return true
	}
	return false
}

// pickError 优先返回非超时类错误
func pickError(errs []error) error {
	if len(errs) == 0 {
		return device.NewError(device.KindHandshakeTimeout, "telnet race", "no strategy", nil)
	}
	for _, err := range errs {
		if device.KindOf(err) != device.KindHandshakeTimeout {
			return errors.Join(errs...)
		}
	}
	return device.NewError(device.KindHandshakeTimeout, "telnet race", "all strategies timed out", errors.Join(errs...))
}
