package socket

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config parameterizes an endpoint. The zero value selects the defaults.
type Config struct {
	// WindowSize is the send and receive window capacity in segments.
	WindowSize int `yaml:"window_size"`
	// RecvTimeout bounds how long Recv waits for data.
	RecvTimeout time.Duration `yaml:"recv_timeout"`
	// MSL is the maximum segment lifetime; TIME-WAIT lasts twice this.
	MSL time.Duration `yaml:"msl"`
	// Logger receives structured transport events. Nil disables logging.
	Logger *slog.Logger `yaml:"-"`
}

func (cfg *Config) withDefaults() {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 32
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = defaultRecvTimeout
	}
	if cfg.MSL <= 0 {
		cfg.MSL = defaultMSL
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
