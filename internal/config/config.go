package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/devterm/pkg/device"
)

// EnvPrefix 环境变量前缀，例如 DEVTERM_SERVER_PORT
const EnvPrefix = "DEVTERM"

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Telnet   TelnetConfig   `mapstructure:"telnet"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
	Simulate SimulateConfig `mapstructure:"simulate"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TerminalConfig 会话管理配置
type TerminalConfig struct {
	MaxSessions int `mapstructure:"max_sessions"`
	// IdleTimeout 清理时的默认阈值，0 表示使用各协议自身的空闲超时
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepAliveIdle     time.Duration `mapstructure:"keepalive_idle"`
	Charsets          []string      `mapstructure:"charsets"`
}

// TelnetConfig Telnet 配置
type TelnetConfig struct {
	PreflightTimeout time.Duration `mapstructure:"preflight_timeout"`
	LoginTimeout     time.Duration `mapstructure:"login_timeout"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	StablePolls      int           `mapstructure:"stable_polls"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	// StrategyTimeout 竞速中单个策略的超时，0 表示使用各策略内置值
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout"`
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout"`
}

// SSHConfig SSH配置
type SSHConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StablePolls       int           `mapstructure:"stable_polls"`
	MaxIterations     int           `mapstructure:"max_iterations"`
	ProbeWindow       time.Duration `mapstructure:"probe_window"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置，用于会话事件审计
type SQLiteConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// Retention 会话事件保留时长，0 表示不清理
	Retention time.Duration `mapstructure:"retention"`
}

// StorageConfig 会话记录归档配置
type StorageConfig struct {
	// Backend 存储后端：none | local | minio
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Minio   MinioConfig        `mapstructure:"minio"`
}

// LocalStorageConfig 本地存储配置
type LocalStorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SimulateConfig 内置模拟设备配置
type SimulateConfig struct {
	Enable     bool   `mapstructure:"enable"`
	TelnetPort int    `mapstructure:"telnet_port"`
	SSHPort    int    `mapstructure:"ssh_port"`
	Hostname   string `mapstructure:"hostname"`
	Password   string `mapstructure:"password"`
	// Profile 设备行为描述文件（YAML），为空时使用内置华为模板
	Profile string `mapstructure:"profile"`
	HostKey string `mapstructure:"host_key"`
}

// Load 加载配置文件。configPath 为空时按默认路径查找 config.yaml，
// 文件不存在时使用默认值
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 60*time.Second)
	// 命令执行可能持续到命令超时，写超时需留足余量
	v.SetDefault("server.write_timeout", 120*time.Second)

	v.SetDefault("terminal.max_sessions", 100)
	v.SetDefault("terminal.idle_timeout", 0)
	v.SetDefault("terminal.sweep_interval", 300*time.Second)
	v.SetDefault("terminal.keepalive_interval", 60*time.Second)
	v.SetDefault("terminal.keepalive_idle", 120*time.Second)
	v.SetDefault("terminal.charsets", device.DefaultCharsets)

	v.SetDefault("telnet.preflight_timeout", 3*time.Second)
	v.SetDefault("telnet.login_timeout", 5*time.Second)
	v.SetDefault("telnet.command_timeout", 30*time.Second)
	v.SetDefault("telnet.poll_interval", 100*time.Millisecond)
	v.SetDefault("telnet.stable_polls", 5)
	v.SetDefault("telnet.max_iterations", 200)
	v.SetDefault("telnet.idle_timeout", 7200*time.Second)
	v.SetDefault("telnet.fallback_timeout", 30*time.Second)

	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.keep_alive_interval", 30*time.Second)
	v.SetDefault("ssh.command_timeout", 30*time.Second)
	v.SetDefault("ssh.poll_interval", 100*time.Millisecond)
	v.SetDefault("ssh.stable_polls", 5)
	v.SetDefault("ssh.max_iterations", 50)
	v.SetDefault("ssh.probe_window", 3*time.Second)
	v.SetDefault("ssh.idle_timeout", 600*time.Second)

	v.SetDefault("database.sqlite.enabled", false)
	v.SetDefault("database.sqlite.path", "./data/devterm.db")
	v.SetDefault("database.sqlite.max_idle_conns", 2)
	v.SetDefault("database.sqlite.max_open_conns", 1)
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)
	v.SetDefault("database.sqlite.retention", 30*24*time.Hour)

	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "transcripts")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("storage.local.mkdir_if_missing", true)
	v.SetDefault("storage.minio.port", 9000)
	v.SetDefault("storage.minio.bucket", "devterm")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/devterm.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("simulate.enable", false)
	v.SetDefault("simulate.telnet_port", 2323)
	v.SetDefault("simulate.ssh_port", 2222)
	v.SetDefault("simulate.hostname", "HUAWEI")
	v.SetDefault("simulate.password", "nova")
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Terminal.MaxSessions < 0 {
		return fmt.Errorf("invalid terminal.max_sessions: %d", c.Terminal.MaxSessions)
	}
	if c.Database.SQLite.Retention < 0 {
		return fmt.Errorf("invalid database.sqlite.retention: %s", c.Database.SQLite.Retention)
	}
	switch c.Storage.Backend {
	case "", "none", "local", "minio":
	default:
		return fmt.Errorf("invalid storage.backend: %q", c.Storage.Backend)
	}
	return nil
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
