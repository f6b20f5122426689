package main

import (
	"errors"
	"flag"
	"io"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"runstream/internal/config"
)

const (
	configFormatJSON = "json"
	configFormatTOML = "toml"
)

type ConfigCommand struct {
	stdout io.Writer
	stderr io.Writer
	load   func() (config.CoreConfig, error)
}

type configOutput struct {
	CoreConfigPath string                  `json:"core_config_path" toml:"core_config_path"`
	Backend        effectiveBackendConfig  `json:"backend" toml:"backend"`
	Engine         effectiveEngineConfig   `json:"engine" toml:"engine"`
	Snapshot       effectiveSnapshotConfig `json:"snapshot" toml:"snapshot"`
	View           effectiveViewConfig     `json:"view" toml:"view"`
	Logging        effectiveLoggingConfig  `json:"logging" toml:"logging"`
	Debug          effectiveDebugConfig    `json:"debug" toml:"debug"`
}

type effectiveBackendConfig struct {
	BaseURL  string `json:"base_url" toml:"base_url"`
	HasToken bool   `json:"has_token" toml:"has_token"`
}

type effectiveEngineConfig struct {
	LiveMode      string   `json:"live_mode" toml:"live_mode"`
	PollInterval  string   `json:"poll_interval" toml:"poll_interval"`
	HardTimeout   string   `json:"hard_timeout" toml:"hard_timeout"`
	ReplayLimit   int      `json:"replay_limit" toml:"replay_limit"`
	ProbeCooldown string   `json:"probe_cooldown" toml:"probe_cooldown"`
	RequestRate   float64  `json:"request_rate" toml:"request_rate"`
	RequestBurst  int      `json:"request_burst" toml:"request_burst"`
	TaskTypes     []string `json:"task_types" toml:"task_types"`
}

type effectiveSnapshotConfig struct {
	Backend string `json:"backend" toml:"backend"`
	Path    string `json:"path" toml:"path"`
	Prefix  string `json:"prefix" toml:"prefix"`
	TTL     string `json:"ttl" toml:"ttl"`
}

type effectiveViewConfig struct {
	GraceWindow                string `json:"grace_window" toml:"grace_window"`
	ProgressRunningWithContent int    `json:"progress_running_with_content" toml:"progress_running_with_content"`
	ProgressRunningEmpty       int    `json:"progress_running_empty" toml:"progress_running_empty"`
}

type effectiveLoggingConfig struct {
	Level string `json:"level" toml:"level"`
	File  string `json:"file,omitempty" toml:"file,omitempty"`
}

type effectiveDebugConfig struct {
	StreamDebug bool `json:"stream_debug" toml:"stream_debug"`
}

func NewConfigCommand(stdout, stderr io.Writer) *ConfigCommand {
	return &ConfigCommand{
		stdout: stdout,
		stderr: stderr,
		load:   config.LoadCoreConfig,
	}
}

func (c *ConfigCommand) Run(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	defaults := fs.Bool("default", false, "print default config values")
	format := fs.String("format", configFormatJSON, "output format: json|toml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	resolvedFormat, err := resolveConfigFormat(*format)
	if err != nil {
		return err
	}
	cfg := config.DefaultCoreConfig()
	if !*defaults {
		cfg, err = c.load()
		if err != nil {
			return err
		}
	}
	out, err := buildConfigOutput(cfg)
	if err != nil {
		return err
	}
	return writeConfigOutput(c.stdout, resolvedFormat, out)
}

func buildConfigOutput(cfg config.CoreConfig) (configOutput, error) {
	corePath, err := config.CoreConfigPath()
	if err != nil {
		return configOutput{}, err
	}
	snapshotPath, err := cfg.SnapshotPath()
	if err != nil {
		return configOutput{}, err
	}
	logFile, err := cfg.LogFile()
	if err != nil {
		return configOutput{}, err
	}
	rate, burst := cfg.RequestRate()
	withContent, empty := cfg.ProgressHeuristic()
	taskTypes := cfg.TaskTypes()
	if taskTypes == nil {
		taskTypes = []string{}
	}
	return configOutput{
		CoreConfigPath: corePath,
		Backend: effectiveBackendConfig{
			BaseURL:  cfg.BaseURL(),
			HasToken: cfg.Token() != "",
		},
		Engine: effectiveEngineConfig{
			LiveMode:      cfg.LiveMode(),
			PollInterval:  cfg.PollInterval().String(),
			HardTimeout:   cfg.HardTimeout().String(),
			ReplayLimit:   cfg.ReplayLimit(),
			ProbeCooldown: cfg.ProbeCooldown().String(),
			RequestRate:   rate,
			RequestBurst:  burst,
			TaskTypes:     taskTypes,
		},
		Snapshot: effectiveSnapshotConfig{
			Backend: cfg.SnapshotBackend(),
			Path:    snapshotPath,
			Prefix:  cfg.SnapshotPrefix(),
			TTL:     cfg.SnapshotTTL().String(),
		},
		View: effectiveViewConfig{
			GraceWindow:                cfg.GraceWindow().String(),
			ProgressRunningWithContent: withContent,
			ProgressRunningEmpty:       empty,
		},
		Logging: effectiveLoggingConfig{
			Level: cfg.LogLevel(),
			File:  logFile,
		},
		Debug: effectiveDebugConfig{
			StreamDebug: cfg.StreamDebugEnabled(),
		},
	}, nil
}

func writeConfigOutput(out io.Writer, format string, payload any) error {
	switch format {
	case configFormatJSON:
		return writeJSON(out, payload)
	case configFormatTOML:
		data, err := toml.Marshal(payload)
		if err != nil {
			return err
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		_, err = out.Write(data)
		return err
	default:
		return errors.New("unsupported format")
	}
}

func resolveConfigFormat(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", configFormatJSON:
		return configFormatJSON, nil
	case configFormatTOML:
		return configFormatTOML, nil
	default:
		return "", errors.New("invalid format: must be json or toml")
	}
}
