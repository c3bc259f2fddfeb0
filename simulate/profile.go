package simulate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Profile 模拟设备的行为描述
type Profile struct {
	Vendor         string `mapstructure:"vendor"`
	Hostname       string `mapstructure:"hostname"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	Banner         string `mapstructure:"banner"`
	LoginPrompt    string `mapstructure:"login_prompt"`
	PasswordPrompt string `mapstructure:"password_prompt"`
	// PromptFormat 用户视图提示符格式，%s 为主机名
	PromptFormat string `mapstructure:"prompt_format"`
	// SystemPromptFormat 系统视图提示符格式，为空表示不支持 system-view
	SystemPromptFormat string `mapstructure:"system_prompt_format"`
	FailMessage        string `mapstructure:"fail_message"`
	UnknownCommand     string `mapstructure:"unknown_command"`
	// PageSize 每页行数，0 表示不分页
	PageSize   int    `mapstructure:"page_size"`
	MoreMarker string `mapstructure:"more_marker"`
	// Negotiate 连接后先发送 Telnet 选项协商
	Negotiate bool              `mapstructure:"negotiate"`
	Commands  map[string]string `mapstructure:"commands"`
	// CommandDir 命令输出目录，文件名为命令（空格替换为下划线）加 .txt
	CommandDir string `mapstructure:"command_dir"`
}

// Config 模拟服务配置
type Config struct {
	TelnetPort int     `mapstructure:"telnet_port"`
	SSHPort    int     `mapstructure:"ssh_port"`
	HostKey    string  `mapstructure:"host_key"`
	Profile    Profile `mapstructure:"profile"`
}

// LoadConfig 读取模拟设备配置，未配置的字段使用华为设备默认值
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	cfg := Config{Profile: HuaweiProfile()}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	return &cfg, nil
}

// HuaweiProfile 华为 VRP 交换机
func HuaweiProfile() Profile {
	return Profile{
		Vendor:   "huawei",
		Hostname: "HUAWEI",
		Username: "admin",
		Password: "nova",
		Banner: "\r\n******************************************************************\r\n" +
			"*  Copyright (C) 2000-2019 HUAWEI TECH CO., LTD.                  *\r\n" +
			"*  Without the owner's prior written consent, no decompiling.     *\r\n" +
			"******************************************************************\r\n\r\n" +
			"Login authentication\r\n\r\n",
		LoginPrompt:        "Username:",
		PasswordPrompt:     "Password:",
		PromptFormat:       "<%s>",
		SystemPromptFormat: "[%s]",
		FailMessage:        "Error: Local authentication is rejected, incorrect password.",
		UnknownCommand:     "              ^\r\nError: Unrecognized command found at '^' position.",
		PageSize:           20,
		MoreMarker:         "  ---- More ----",
		Negotiate:          true,
		Commands: map[string]string{
			"display version": "Huawei Versatile Routing Platform Software\r\n" +
				"VRP (R) software, Version 5.170 (S5720 V200R011C10SPC600)\r\n" +
				"Copyright (C) 2000-2018 HUAWEI TECH Co., Ltd.\r\n" +
				"HUAWEI S5720-28X-SI-AC Routing Switch uptime is 0 week, 3 days, 2 hours, 5 minutes",
			"display interface brief": interfaceTable("GigabitEthernet0/0/%d", 48),
			"display clock":           "2024-05-01 10:00:00+08:00\r\nWednesday\r\nTime Zone(China-Standard-Time) : UTC+08:00",
		},
	}
}

// GenericProfile 无厂商特征的通用设备
func GenericProfile() Profile {
	return Profile{
		Vendor:         "generic",
		Hostname:       "switch",
		Username:       "admin",
		Password:       "nova",
		Banner:         "\r\nUser Access Verification\r\n\r\n",
		LoginPrompt:    "login: ",
		PasswordPrompt: "Password: ",
		PromptFormat:   "%s#",
		FailMessage:    "% Login incorrect password",
		UnknownCommand: "% Unknown command",
		PageSize:       20,
		MoreMarker:     " --More-- ",
		Commands: map[string]string{
			"show interfaces": interfaceTable("Ethernet1/%d", 50),
			"show clock":      "10:00:00.000 UTC Wed May 1 2024",
			"uname":           "SwitchOS 4.2",
		},
	}
}

func interfaceTable(format string, n int) string {
	lines := make([]string, 0, n+1)
	lines = append(lines, "Interface                     PHY   Protocol  InUti OutUti")
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf(format, i)
		lines = append(lines, fmt.Sprintf("%-30sup    up        0.01%%  0.01%%", name))
	}
	return strings.Join(lines, "\r\n")
}

func (p Profile) prompt(system bool) string {
	if system && p.SystemPromptFormat != "" {
		return fmt.Sprintf(p.SystemPromptFormat, p.Hostname)
	}
	return fmt.Sprintf(p.PromptFormat, p.Hostname)
}

// output 命令输出：先查内置表，再查 CommandDir
func (p Profile) output(cmd string) (string, bool) {
	if out, ok := p.Commands[cmd]; ok {
		return out, true
	}
	if p.CommandDir == "" {
		return "", false
	}
	for _, name := range []string{cmd, strings.ReplaceAll(cmd, " ", "_")} {
		bs, err := os.ReadFile(filepath.Join(p.CommandDir, name+".txt"))
		if err == nil {
			return ensureCRLF(string(bs)), true
		}
	}
	return "", false
}

func ensureCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimRight(s, "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
