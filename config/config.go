package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	DirectionPull = "pull"
	DirectionPush = "push"
)

type Config struct {
	MetricsAddr string  `toml:"metrics_addr"` // empty disables the /metrics endpoint
	Logging     Logging `toml:"logging"`
	Tasks       []Task  `toml:"tasks"`
}

type Logging struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console, json
	Output string `toml:"output"` // stdout, stderr or a file path
}

type Task struct {
	Name          string   `toml:"name"`
	Cron          string   `toml:"cron"`      // empty runs the task once at startup
	Direction     string   `toml:"direction"` // pull, push
	RemotePaths   []string `toml:"remote_paths"`
	Recursive     bool     `toml:"recursive"`
	PreserveTimes *bool    `toml:"preserve_times"`
	LocalType     string   `toml:"local_type"` // local, sftp, ftp
	LocalRoot     string   `toml:"local_root"`
	LocalPath     string   `toml:"local_path"`     // pull destination or push source, inside local_root
	RetentionDays int      `toml:"retention_days"` // 清理多少天之前拉取的文件
	Remote        Auth     `toml:"remote"`
	LocalAuth     *Auth    `toml:"local_auth,omitempty"`
}

type Auth struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	User       string `toml:"user"`
	Password   string `toml:"password"`
	KeyFile    string `toml:"key_file"`
	KnownHosts string `toml:"known_hosts"`
	Timeout    string `toml:"timeout"` // e.g. "30s"
}

// KeepTimes reports whether modification and access times travel with the
// files. It defaults to true.
func (t *Task) KeepTimes() bool {
	return t.PreserveTimes == nil || *t.PreserveTimes
}

// ConnectTimeout parses Timeout; zero means the client default.
func (a *Auth) ConnectTimeout() time.Duration {
	d, _ := time.ParseDuration(a.Timeout)
	return d
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a TOML document, fills defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if t.Remote.Port == 0 {
			t.Remote.Port = 22
		}
		if t.LocalPath == "" {
			t.LocalPath = "."
		}
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	seen := make(map[string]bool)
	for i, t := range c.Tasks {
		where := fmt.Sprintf("task %d", i)
		if t.Name != "" {
			where = fmt.Sprintf("task %q", t.Name)
		}
		fail := func(format string, args ...any) {
			result = multierror.Append(result, fmt.Errorf(where+": "+format, args...))
		}

		switch {
		case t.Name == "":
			fail("name is required")
		case seen[t.Name]:
			fail("duplicate name")
		}
		seen[t.Name] = true

		if t.Direction != DirectionPull && t.Direction != DirectionPush {
			fail("direction must be %q or %q, got %q", DirectionPull, DirectionPush, t.Direction)
		}
		if len(t.RemotePaths) == 0 {
			fail("at least one remote path is required")
		}
		for _, p := range t.RemotePaths {
			if p == "" {
				fail("empty remote path")
			}
		}
		if t.Cron != "" {
			if _, err := cron.ParseStandard(t.Cron); err != nil {
				fail("bad cron %q: %v", t.Cron, err)
			}
		}
		if t.RetentionDays < 0 {
			fail("retention_days must not be negative")
		}
		if t.Remote.Host == "" {
			fail("remote host is required")
		}
		if t.Remote.Password == "" && t.Remote.KeyFile == "" {
			fail("remote password or key_file is required")
		}
		if t.Remote.Timeout != "" {
			if _, err := time.ParseDuration(t.Remote.Timeout); err != nil {
				fail("bad remote timeout %q", t.Remote.Timeout)
			}
		}

		switch t.LocalType {
		case "local":
		case "sftp", "ftp":
			if t.LocalAuth == nil || t.LocalAuth.Host == "" {
				fail("local_auth with a host is required for %s", t.LocalType)
			}
		default:
			fail("unknown local_type %q", t.LocalType)
		}
	}
	return result.ErrorOrNil()
}
