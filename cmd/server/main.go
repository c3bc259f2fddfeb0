package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/devterm/api/handler"
	"github.com/sshcollectorpro/devterm/api/router"
	"github.com/sshcollectorpro/devterm/internal/config"
	"github.com/sshcollectorpro/devterm/internal/database"
	"github.com/sshcollectorpro/devterm/internal/storage"
	"github.com/sshcollectorpro/devterm/internal/terminal"
	"github.com/sshcollectorpro/devterm/pkg/credential"
	"github.com/sshcollectorpro/devterm/pkg/device"
	"github.com/sshcollectorpro/devterm/pkg/logger"
	"github.com/sshcollectorpro/devterm/pkg/ssh"
	"github.com/sshcollectorpro/devterm/pkg/telnet"
	"github.com/sshcollectorpro/devterm/simulate"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(logConfig(cfg)); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.WithField("version", "1.0.0").Info("Starting DevTerm Server")

	var opts []terminal.Option
	checks := map[string]func() error{}
	var audit *database.SessionStore
	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// 会话审计（可选）
	if cfg.Database.SQLite.Enabled {
		db, err := database.OpenSQLite(cfg.Database.SQLite)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize database")
		}
		defer db.Close()
		audit = database.NewSessionStore(db)
		opts = append(opts, terminal.WithRecorder(audit))
		checks["database"] = db.Health
		if retention := cfg.Database.SQLite.Retention; retention > 0 {
			go audit.RunRetention(bg, retention, min(retention, time.Hour))
		}
	}

	// 会话记录归档（可选）
	if w := storage.NewWriter(cfg.Storage); w != nil {
		opts = append(opts, terminal.WithArchiver(storage.NewTranscriptArchiver(w, cfg.Storage.Prefix)))
		logger.WithField("backend", cfg.Storage.Backend).Info("Transcript archiving enabled")
	}

	opts = append(opts,
		terminal.WithMaxSessions(cfg.Terminal.MaxSessions),
		terminal.WithIdleThreshold(cfg.Terminal.IdleTimeout),
		terminal.WithSweepInterval(cfg.Terminal.SweepInterval),
		terminal.WithKeepAlive(cfg.Terminal.KeepAliveInterval, cfg.Terminal.KeepAliveIdle),
	)
	manager := terminal.New(buildDrivers(cfg, credential.NewVault()), opts...)

	// 启动模拟设备（可选）
	sim := &simulators{}
	if cfg.Simulate.Enable {
		if err := sim.start(cfg.Simulate); err != nil {
			logger.WithError(err).Warn("Simulate: failed to start")
		}
	}

	h := handler.NewTerminalHandler(manager, checks)
	if audit != nil {
		h.WithAudit(audit)
	}
	r := router.SetupRouter(h, cfg.Server.Mode)

	// 创建HTTP服务器
	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		logger.WithFields(logrus.Fields{"addr": server.Addr, "mode": cfg.Server.Mode}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	go watchConfig(*configPath, func() {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			logger.WithError(err).Warn("Config reload failed")
			return
		}
		_ = logger.Init(logConfig(newCfg))
		manager.SetMaxSessions(newCfg.Terminal.MaxSessions)
		logger.WithField("max_sessions", newCfg.Terminal.MaxSessions).Info("Config reloaded")
	})

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	stopBackground()
	manager.Close()
	sim.stop()
	logger.Info("Server shutdown complete")
}

func logConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
}

// buildDrivers 根据配置创建 Telnet 与 SSH 驱动
func buildDrivers(cfg *config.Config, vault *credential.Vault) []terminal.Driver {
	charsets := cfg.Terminal.Charsets
	if len(charsets) == 0 {
		charsets = device.DefaultCharsets
	}

	topts := telnet.DefaultOptions()
	topts.PreflightTimeout = cfg.Telnet.PreflightTimeout
	topts.LoginTimeout = cfg.Telnet.LoginTimeout
	topts.CommandTimeout = cfg.Telnet.CommandTimeout
	topts.PollInterval = cfg.Telnet.PollInterval
	topts.StablePolls = cfg.Telnet.StablePolls
	topts.MaxIterations = cfg.Telnet.MaxIterations
	topts.Charsets = charsets

	registry := telnet.NewRegistry()
	racer := &telnet.Racer{
		Strategies: telnet.DefaultStrategies(topts, registry),
		Fallback:   telnet.DefaultFallback(topts, registry),
	}
	if d := cfg.Telnet.StrategyTimeout; d > 0 {
		for i := range racer.Strategies {
			racer.Strategies[i].Timeout = d
		}
	}
	if d := cfg.Telnet.FallbackTimeout; d > 0 {
		racer.Fallback.Timeout = d
	}

	sshCfg := ssh.DefaultConfig()
	sshCfg.ConnectTimeout = cfg.SSH.ConnectTimeout
	sshCfg.KeepAlive = cfg.SSH.KeepAliveInterval
	sshCfg.CommandTimeout = cfg.SSH.CommandTimeout
	sshCfg.PollInterval = cfg.SSH.PollInterval
	sshCfg.StablePolls = cfg.SSH.StablePolls
	sshCfg.MaxIterations = cfg.SSH.MaxIterations
	sshCfg.ProbeWindow = cfg.SSH.ProbeWindow
	sshCfg.Charsets = charsets

	return []terminal.Driver{
		telnet.NewManager(topts,
			telnet.WithRegistry(registry),
			telnet.WithRacer(racer),
			telnet.WithIdleTimeout(cfg.Telnet.IdleTimeout)),
		ssh.NewManager(sshCfg,
			ssh.WithVault(vault),
			ssh.WithIdleTimeout(cfg.SSH.IdleTimeout)),
	}
}

// simulators 内置模拟设备
type simulators struct {
	telnet *simulate.TelnetServer
	ssh    *simulate.SSHServer
}

func (s *simulators) start(cfg config.SimulateConfig) error {
	profile := simulate.HuaweiProfile()
	telnetPort, sshPort, hostKeyPath := cfg.TelnetPort, cfg.SSHPort, cfg.HostKey
	if cfg.Profile != "" {
		sc, err := simulate.LoadConfig(cfg.Profile)
		if err != nil {
			return err
		}
		profile = sc.Profile
		if sc.TelnetPort > 0 {
			telnetPort = sc.TelnetPort
		}
		if sc.SSHPort > 0 {
			sshPort = sc.SSHPort
		}
		if sc.HostKey != "" {
			hostKeyPath = sc.HostKey
		}
	}
	if cfg.Hostname != "" {
		profile.Hostname = cfg.Hostname
	}
	if cfg.Password != "" {
		profile.Password = cfg.Password
	}

	if telnetPort > 0 {
		s.telnet = simulate.NewTelnetServer(profile)
		if err := s.telnet.Start(":" + strconv.Itoa(telnetPort)); err != nil {
			s.telnet = nil
			return err
		}
	}
	if sshPort > 0 {
		key, err := simulate.HostKey(hostKeyPath)
		if err != nil {
			return err
		}
		s.ssh = simulate.NewSSHServer(profile, key)
		if err := s.ssh.Start(":" + strconv.Itoa(sshPort)); err != nil {
			s.ssh = nil
			return err
		}
	}
	return nil
}

func (s *simulators) stop() {
	if s.telnet != nil {
		_ = s.telnet.Close()
	}
	if s.ssh != nil {
		_ = s.ssh.Close()
	}
}

// watchConfig 监听配置文件变更，300ms 防抖后触发 reload
func watchConfig(path string, reload func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Warn("Config watch init failed")
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.WithError(err).Warn("Config watch add failed")
		return
	}

	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, reload)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("Config watch error")
		}
	}
}
