// Package config provides configuration file parsing and credential
// resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/fleet-shutdown/internal/models"
	"github.com/spf13/viper"
)

// DefaultPowerOffCommand is sent when power_off_cmd is not configured.
const DefaultPowerOffCommand = "shutdown -h now"

// MinPollInterval is the smallest accepted poll_interval.
const MinPollInterval = time.Second

// GatewayFile is the gateway section as written in the config file.
// Credential fields are unresolved.
type GatewayFile struct {
	Host              string
	Port              int
	User              string
	KeyPath           string
	KeyPassphrase     string
	NeedsSudoPassword bool
	SudoPassword      string
}

// FleetFile is one fleets entry as written in the config file.
type FleetFile struct {
	Name              string   `mapstructure:"name"`
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	User              string   `mapstructure:"user"`
	Password          string   `mapstructure:"password"`
	NeedsSudoPassword *bool    `mapstructure:"needs_sudo_password"`
	Nodes             []string `mapstructure:"nodes"`
}

// Config is a parsed config file. Secrets may still be env:/file:
// references or empty, see Resolver.
type Config struct {
	Gateway  GatewayFile
	Fleets   []FleetFile
	Run      models.RunConfig
	Timeouts models.Timeouts
	Telegram *models.TelegramConfig
}

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("power_off_cmd", DefaultPowerOffCommand)
	v.SetDefault("node_shutdown_timeout", 600)
	v.SetDefault("poll_interval", 5)
	v.SetDefault("strict", true)
	v.SetDefault("preflight", false)
	v.SetDefault("diagnose", true)
	v.SetDefault("timeouts.connect", 15)
	v.SetDefault("timeouts.handshake", 15)
	v.SetDefault("timeouts.channel_open", 10)
	v.SetDefault("timeouts.command", 30)
	v.SetDefault("timeouts.probe", 5)
	v.SetDefault("timeouts.diag_cmd", 10)
	v.SetDefault("timeouts.nc", 3)
	v.SetDefault("gateway.port", 22)

	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*Config, error) {
	cfg := &Config{}

	// Run settings.
	cfg.Run = models.RunConfig{
		PowerOffCommand: p.v.GetString("power_off_cmd"),
		Strict:          p.v.GetBool("strict"),
		Preflight:       p.v.GetBool("preflight"),
		Diagnose:        p.v.GetBool("diagnose"),
		KnownHostsPath:  expandPath(p.expandEnv(p.v.GetString("known_hosts"))),
	}
	if strings.TrimSpace(cfg.Run.PowerOffCommand) == "" {
		cfg.Run.PowerOffCommand = DefaultPowerOffCommand
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"node_shutdown_timeout", &cfg.Run.NodeShutdownTimeout},
		{"poll_interval", &cfg.Run.PollInterval},
		{"timeouts.connect", &cfg.Timeouts.Connect},
		{"timeouts.handshake", &cfg.Timeouts.Handshake},
		{"timeouts.channel_open", &cfg.Timeouts.ChannelOpen},
		{"timeouts.command", &cfg.Timeouts.Command},
		{"timeouts.probe", &cfg.Timeouts.Probe},
		{"timeouts.diag_cmd", &cfg.Timeouts.DiagCommand},
		{"timeouts.nc", &cfg.Timeouts.NC},
	}
	for _, d := range durations {
		v, err := ParseDuration(p.v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	// Gateway (required).
	cfg.Gateway = GatewayFile{
		Host:              p.v.GetString("gateway.host"),
		Port:              p.v.GetInt("gateway.port"),
		User:              p.v.GetString("gateway.user"),
		KeyPath:           expandPath(p.expandEnv(p.v.GetString("gateway.pkey_path"))),
		KeyPassphrase:     p.v.GetString("gateway.pkey_passphrase"),
		NeedsSudoPassword: p.v.GetBool("gateway.needs_sudo_password"),
		SudoPassword:      p.v.GetString("gateway.sudo_password"),
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 22
	}

	// Fleets, in shutdown order.
	if err := p.v.UnmarshalKey("fleets", &cfg.Fleets); err != nil {
		return nil, fmt.Errorf("fleets: %w", err)
	}
	for i := range cfg.Fleets {
		f := &cfg.Fleets[i]
		if f.Host == "" {
			f.Host = f.Name
		}
		if f.Port == 0 {
			f.Port = 22
		}
		if f.NeedsSudoPassword == nil {
			needs := true
			f.NeedsSudoPassword = &needs
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandPath replaces a leading ~ with the home directory.
func expandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ParseDuration accepts a number of seconds ("600", "2.5") or a Go duration
// ("10m").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: want seconds or a duration like 10m", s)
	}
	return d, nil
}

// Validate performs validation on the loaded configuration.
//
//nolint:gocyclo // validating config requires checking many fields
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Gateway.Host == "" {
		return fmt.Errorf("gateway.host is required")
	}
	if !models.ValidHost(cfg.Gateway.Host) {
		return fmt.Errorf("gateway.host %q is not a valid host name or address", cfg.Gateway.Host)
	}
	if cfg.Gateway.User == "" {
		return fmt.Errorf("gateway.user is required")
	}
	if cfg.Gateway.KeyPath == "" {
		return fmt.Errorf("gateway.pkey_path is required")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535")
	}

	seen := make(map[string]bool)
	for i, f := range cfg.Fleets {
		if f.Name == "" {
			return fmt.Errorf("fleets[%d].name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("fleets[%d]: duplicate fleet name %q", i, f.Name)
		}
		seen[f.Name] = true
		if f.Name == cfg.Gateway.Host {
			return fmt.Errorf("fleets[%d]: %q is also the gateway", i, f.Name)
		}
		if !models.ValidHost(f.Host) {
			return fmt.Errorf("fleets[%d] (%s): host %q is not a valid host name or address", i, f.Name, f.Host)
		}
		if f.User == "" {
			return fmt.Errorf("fleets[%d] (%s): user is required", i, f.Name)
		}
		if f.Port <= 0 || f.Port > 65535 {
			return fmt.Errorf("fleets[%d] (%s): port must be between 1 and 65535", i, f.Name)
		}
		nodes := make(map[string]bool, len(f.Nodes))
		for j, node := range f.Nodes {
			if strings.TrimSpace(node) == "" {
				return fmt.Errorf("fleets[%d] (%s): nodes[%d] is empty", i, f.Name, j)
			}
			if !models.ValidHost(node) {
				return fmt.Errorf("fleets[%d] (%s): node %q is not a valid host name or address", i, f.Name, node)
			}
			if nodes[node] {
				return fmt.Errorf("fleets[%d] (%s): duplicate node %q", i, f.Name, node)
			}
			nodes[node] = true
		}
	}

	if cfg.Run.NodeShutdownTimeout <= 0 {
		return fmt.Errorf("node_shutdown_timeout must be positive")
	}
	if cfg.Run.PollInterval < MinPollInterval {
		return fmt.Errorf("poll_interval must be at least %s", MinPollInterval)
	}
	for name, d := range map[string]time.Duration{
		"timeouts.connect":      cfg.Timeouts.Connect,
		"timeouts.handshake":    cfg.Timeouts.Handshake,
		"timeouts.channel_open": cfg.Timeouts.ChannelOpen,
		"timeouts.command":      cfg.Timeouts.Command,
		"timeouts.probe":        cfg.Timeouts.Probe,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.Telegram != nil {
		if cfg.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return nil
}

// Hosts returns the number of hosts a run over cfg will shut down.
func (c *Config) Hosts() int {
	n := 1
	for _, f := range c.Fleets {
		n += 1 + len(f.Nodes)
	}
	return n
}
