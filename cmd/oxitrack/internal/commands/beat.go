package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mitsimi/oxitrack/internal/client"
	"github.com/mitsimi/oxitrack/internal/logger"
	"github.com/mitsimi/oxitrack/internal/tracker"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// BeatConfig is the YAML file accepted by --config.
type BeatConfig struct {
	Project string        `yaml:"project"`
	Server  client.Config `yaml:",inline"`
}

type BeatCmd struct {
	Project    string        `arg:"" optional:"" help:"project handle (defaults to the current directory name)"`
	ServerURL  string        `help:"oxitrack server URL" default:"http://localhost:3000" env:"OXITRACK_SERVER_URL"`
	Timestamp  int64         `help:"unix timestamp of the heartbeat (defaults to now)"`
	Timeout    time.Duration `help:"per-request timeout" default:"10s"`
	MaxRetries int           `help:"attempts for transport errors and 5xx responses" default:"5"`
	Config     string        `help:"YAML config file path" type:"path" env:"OXITRACK_BEAT_CONFIG"`

	out io.Writer
}

func (b *BeatCmd) Run(ctx context.Context, globals *Globals) error {
	zlog.Logger = logger.Setup(globals.Debug)

	if b.Config != "" {
		if err := b.loadConfigFile(); err != nil {
			return err
		}
	}

	project, err := b.project()
	if err != nil {
		return err
	}

	timestamp := b.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	cfg := client.DefaultConfig()
	cfg.ServerURL = b.ServerURL
	cfg.Timeout = b.Timeout
	cfg.MaxRetries = b.MaxRetries
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid client configuration: %w", err)
	}

	resp, err := client.New(cfg).Beat(ctx, project, timestamp)
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}

	out := b.out
	if out == nil {
		out = os.Stdout
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// project resolves and validates the project handle before anything is sent.
func (b *BeatCmd) project() (string, error) {
	project := b.Project
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine project from working directory: %w", err)
		}
		project = filepath.Base(wd)
	}

	if err := tracker.ValidateProjectHandle(project); err != nil {
		return "", err
	}
	return project, nil
}

// loadConfigFile applies values from the YAML config; set values take
// precedence over flags.
func (b *BeatCmd) loadConfigFile() error {
	data, err := os.ReadFile(b.Config)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config BeatConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if config.Project != "" {
		b.Project = config.Project
	}
	if config.Server.ServerURL != "" {
		b.ServerURL = config.Server.ServerURL
	}
	if config.Server.Timeout > 0 {
		b.Timeout = config.Server.Timeout
	}
	if config.Server.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if config.Server.MaxRetries > 0 {
		b.MaxRetries = config.Server.MaxRetries
	}

	return nil
}
