package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	LiveModeInternal = "internal"
	LiveModeExternal = "external"

	defaultBaseURL             = "http://127.0.0.1:3000"
	defaultPollInterval        = 3 * time.Second
	defaultHardTimeout         = 30 * time.Minute
	defaultReplayLimit         = 500
	defaultProbeCooldown       = 30 * time.Second
	defaultRequestRate         = 4.0
	defaultRequestBurst        = 4
	defaultSnapshotTTL         = 6 * time.Hour
	defaultSnapshotPrefix      = "run-stream"
	defaultGraceWindow         = 8 * time.Second
	defaultProgressWithContent = 15
	defaultProgressEmpty       = 2
)

type CoreConfig struct {
	Backend  CoreBackendConfig  `toml:"backend"`
	Engine   CoreEngineConfig   `toml:"engine"`
	Snapshot CoreSnapshotConfig `toml:"snapshot"`
	View     CoreViewConfig     `toml:"view"`
	Logging  CoreLoggingConfig  `toml:"logging"`
	Debug    CoreDebugConfig    `toml:"debug"`
}

type CoreBackendConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

type CoreEngineConfig struct {
	LiveMode      string   `toml:"live_mode"`
	PollInterval  string   `toml:"poll_interval"`
	HardTimeout   string   `toml:"hard_timeout"`
	ReplayLimit   int      `toml:"replay_limit"`
	ProbeCooldown string   `toml:"probe_cooldown"`
	RequestRate   float64  `toml:"request_rate"`
	RequestBurst  int      `toml:"request_burst"`
	TaskTypes     []string `toml:"task_types"`
}

type CoreSnapshotConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	Prefix  string `toml:"prefix"`
	TTL     string `toml:"ttl"`
}

type CoreViewConfig struct {
	GraceWindow                string `toml:"grace_window"`
	ProgressRunningWithContent int    `toml:"progress_running_with_content"`
	ProgressRunningEmpty       int    `toml:"progress_running_empty"`
}

type CoreLoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type CoreDebugConfig struct {
	StreamDebug bool `toml:"stream_debug"`
}

func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Backend: CoreBackendConfig{
			BaseURL: defaultBaseURL,
		},
		Engine: CoreEngineConfig{
			LiveMode:      LiveModeInternal,
			PollInterval:  defaultPollInterval.String(),
			HardTimeout:   defaultHardTimeout.String(),
			ReplayLimit:   defaultReplayLimit,
			ProbeCooldown: defaultProbeCooldown.String(),
			RequestRate:   defaultRequestRate,
			RequestBurst:  defaultRequestBurst,
		},
		Snapshot: CoreSnapshotConfig{
			Backend: "bbolt",
			Prefix:  defaultSnapshotPrefix,
			TTL:     defaultSnapshotTTL.String(),
		},
		View: CoreViewConfig{
			GraceWindow:                defaultGraceWindow.String(),
			ProgressRunningWithContent: defaultProgressWithContent,
			ProgressRunningEmpty:       defaultProgressEmpty,
		},
		Logging: CoreLoggingConfig{
			Level: "info",
		},
	}
}

func LoadCoreConfig() (CoreConfig, error) {
	path, err := CoreConfigPath()
	if err != nil {
		return CoreConfig{}, err
	}
	return loadCoreConfigFromPath(path)
}

// Encode renders the config as TOML.
func (c CoreConfig) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func (c CoreConfig) BaseURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

func (c CoreConfig) Token() string {
	if token := strings.TrimSpace(c.Backend.Token); token != "" {
		return token
	}
	return strings.TrimSpace(os.Getenv("RUNSTREAM_TOKEN"))
}

func (c CoreConfig) LiveMode() string {
	switch strings.ToLower(strings.TrimSpace(c.Engine.LiveMode)) {
	case LiveModeExternal:
		return LiveModeExternal
	default:
		return LiveModeInternal
	}
}

func (c CoreConfig) PollInterval() time.Duration {
	return parseDuration(c.Engine.PollInterval, defaultPollInterval)
}

func (c CoreConfig) HardTimeout() time.Duration {
	return parseDuration(c.Engine.HardTimeout, defaultHardTimeout)
}

func (c CoreConfig) ReplayLimit() int {
	if c.Engine.ReplayLimit <= 0 {
		return defaultReplayLimit
	}
	return c.Engine.ReplayLimit
}

func (c CoreConfig) ProbeCooldown() time.Duration {
	return parseDuration(c.Engine.ProbeCooldown, defaultProbeCooldown)
}

// RequestRate returns the sustained requests per second and the burst
// allowed for poll and replay fetches.
func (c CoreConfig) RequestRate() (float64, int) {
	rate := c.Engine.RequestRate
	if rate <= 0 {
		rate = defaultRequestRate
	}
	burst := c.Engine.RequestBurst
	if burst <= 0 {
		burst = defaultRequestBurst
	}
	return rate, burst
}

func (c CoreConfig) TaskTypes() []string {
	return normalizedList(c.Engine.TaskTypes)
}

func (c CoreConfig) SnapshotBackend() string {
	backend := strings.ToLower(strings.TrimSpace(c.Snapshot.Backend))
	switch backend {
	case "bbolt", "file", "memory":
		return backend
	default:
		return "bbolt"
	}
}

func (c CoreConfig) SnapshotPath() (string, error) {
	if path := strings.TrimSpace(c.Snapshot.Path); path != "" {
		return resolveConfigPath(path)
	}
	if c.SnapshotBackend() == "file" {
		return SnapshotFilePath()
	}
	return SnapshotDBPath()
}

func (c CoreConfig) SnapshotPrefix() string {
	if prefix := strings.TrimSpace(c.Snapshot.Prefix); prefix != "" {
		return prefix
	}
	return defaultSnapshotPrefix
}

func (c CoreConfig) SnapshotTTL() time.Duration {
	return parseDuration(c.Snapshot.TTL, defaultSnapshotTTL)
}

func (c CoreConfig) GraceWindow() time.Duration {
	return parseDuration(c.View.GraceWindow, defaultGraceWindow)
}

// ProgressHeuristic returns the percentages shown for a running step with
// and without buffered content.
func (c CoreConfig) ProgressHeuristic() (withContent, empty int) {
	withContent = c.View.ProgressRunningWithContent
	empty = c.View.ProgressRunningEmpty
	if withContent <= 0 || withContent >= 100 {
		withContent = defaultProgressWithContent
	}
	if empty < 0 || empty >= 100 {
		empty = defaultProgressEmpty
	}
	return withContent, empty
}

func (c CoreConfig) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

func (c CoreConfig) LogFile() (string, error) {
	path := strings.TrimSpace(c.Logging.File)
	if path == "" {
		return "", nil
	}
	return resolveConfigPath(path)
}

func (c CoreConfig) StreamDebugEnabled() bool {
	return c.Debug.StreamDebug
}

func loadCoreConfigFromPath(path string) (CoreConfig, error) {
	cfg := DefaultCoreConfig()
	if err := readTOML(path, &cfg); err != nil {
		return CoreConfig{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func resolveConfigPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, path), nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func normalizedList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
