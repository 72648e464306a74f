package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/fzft/go-reactor/inet"
	"gopkg.in/yaml.v3"
)

// Config is the file format shared by every command.
type Config struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
	Log    Log    `yaml:"log"`
	Admin  Admin  `yaml:"admin"`
}

type Server struct {
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`

	// Threads is the number of IO loops; 0 serves everything from the base
	// loop and a negative value means one loop per GOMAXPROCS.
	Threads       int           `yaml:"threads"`
	HighWaterMark int           `yaml:"high_water_mark"`
	ReusePort     bool          `yaml:"reuse_port"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
}

type Client struct {
	Server string `yaml:"server"`
	Name   string `yaml:"name"`
	Retry  bool   `yaml:"retry"`

	// Connections and Messages drive the bench command. Messages is an
	// inclusive [min, max] range of messages per connection.
	Connections int    `yaml:"connections"`
	Messages    [2]int `yaml:"messages"`
}

type Log struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	Development bool   `yaml:"development"`
}

// Admin is the HTTP stats endpoint. An empty Listen disables it.
type Admin struct {
	Listen string `yaml:"listen"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Name:          "reactor",
			Listen:        "0.0.0.0:8888",
			Threads:       -1,
			HighWaterMark: 64 * 1024 * 1024,
			PollTimeout:   5 * time.Second,
		},
		Client: Client{
			Server:      "127.0.0.1:8888",
			Name:        "client",
			Connections: 10,
			Messages:    [2]int{1, 100},
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if _, err := inet.Resolve(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: %w", err)
	}
	if c.Server.HighWaterMark <= 0 {
		return fmt.Errorf("server.high_water_mark must be positive, got %d", c.Server.HighWaterMark)
	}
	if c.Server.PollTimeout <= 0 {
		return fmt.Errorf("server.poll_timeout must be positive, got %s", c.Server.PollTimeout)
	}
	if c.Client.Connections < 1 {
		return fmt.Errorf("client.connections must be at least 1, got %d", c.Client.Connections)
	}
	if lo, hi := c.Client.Messages[0], c.Client.Messages[1]; lo < 0 || hi < lo {
		return fmt.Errorf("client.messages must be a range [min, max], got [%d, %d]", lo, hi)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// IOThreads resolves Server.Threads against GOMAXPROCS.
func (c *Config) IOThreads() int {
	if c.Server.Threads < 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Server.Threads
}
