package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/restohack/gauntlet/internal/campaign"
	"github.com/restohack/gauntlet/internal/lane"
	"github.com/restohack/gauntlet/internal/session"
)

const (
	defaultLogRoot     = "dev/gauntlet-logs"
	defaultHistoryName = "history.db"
	defaultLogMaxFiles = 20
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ProjectRoot                string
	LogRoot                    string
	Runs                       int
	Steps                      int
	Enhanced                   bool
	SessionTimeout             time.Duration
	KillGrace                  time.Duration
	KeystrokeDelay             time.Duration
	StartupTimeout             time.Duration
	ConfirmTimeout             time.Duration
	GameStartTimeout           time.Duration
	QuitTimeout                time.Duration
	FailureThresholdPercent    int
	MaxConsecutiveQuitTimeouts int
	SavePatterns               []string
	HistoryDB                  string
	OTelEndpoint               string
	LogMaxFiles                int
	Lanes                      []LaneConfig
	Prompts                    session.ProfileOverrides
}

// LaneConfig is one [lanes.<name>] table merged over the standard lanes.
type LaneConfig struct {
	Name        string
	CFlags      string
	BuildType   string
	Binary      string
	BuildFrom   string
	LabelPrefix string
	Valgrind    bool
	Enabled     bool
}

type fileConfig struct {
	ProjectRoot                *string        `toml:"project_root"`
	LogRoot                    *string        `toml:"log_root"`
	Runs                       *int           `toml:"runs"`
	Steps                      *int           `toml:"steps"`
	Enhanced                   *bool          `toml:"enhanced"`
	SessionTimeout             *string        `toml:"session_timeout"`
	KillGrace                  *string        `toml:"kill_grace"`
	KeystrokeDelay             *string        `toml:"keystroke_delay"`
	StartupTimeout             *string        `toml:"startup_timeout"`
	ConfirmTimeout             *string        `toml:"confirm_timeout"`
	GameStartTimeout           *string        `toml:"game_start_timeout"`
	QuitTimeout                *string        `toml:"quit_timeout"`
	FailureThresholdPercent    *int           `toml:"failure_threshold_percent"`
	MaxConsecutiveQuitTimeouts *int           `toml:"max_consecutive_quit_timeouts"`
	SavePatterns               []string       `toml:"save_patterns"`
	HistoryDB                  *string        `toml:"history_db"`
	LogMaxFiles                *int           `toml:"log_max_files"`
	OTel                       *otelConfig    `toml:"otel"`
	Prompts                    *promptsConfig `toml:"prompts"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

type promptsConfig struct {
	Version    string   `toml:"version"`
	Experience []string `toml:"experience"`
	Pick       []string `toml:"pick"`
	Name       []string `toml:"name"`
	Assigned   []string `toml:"assigned"`
	GameStart  []string `toml:"game_start"`
	More       []string `toml:"more"`
	Quit       []string `toml:"quit"`
	Saved      []string `toml:"saved"`
	SaveFailed []string `toml:"save_failed"`
}

// Load reads config from ~/.gauntlet/config.toml and overlays a project-local .gauntlet/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx,
		filepath.Join(homeDir, ".gauntlet", "config.toml"),
		filepath.Join(workingDir, ".gauntlet", "config.toml"),
	)
}

// LoadFiles overlays the given files, in order, over the defaults. Missing
// files are skipped.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	sessionDefaults := session.DefaultConfig()
	return Config{
		ProjectRoot:                ".",
		LogRoot:                    defaultLogRoot,
		Runs:                       campaign.DefaultRuns,
		Steps:                      campaign.DefaultSteps,
		SessionTimeout:             campaign.DefaultSessionTimeout,
		KillGrace:                  sessionDefaults.KillGrace,
		KeystrokeDelay:             sessionDefaults.KeystrokeDelay,
		StartupTimeout:             sessionDefaults.StartupTimeout,
		ConfirmTimeout:             sessionDefaults.ConfirmTimeout,
		GameStartTimeout:           sessionDefaults.GameStartTimeout,
		QuitTimeout:                sessionDefaults.QuitTimeout,
		FailureThresholdPercent:    campaign.DefaultFailureThresholdPercent,
		MaxConsecutiveQuitTimeouts: campaign.DefaultMaxConsecutiveQuitTimeouts,
		SavePatterns:               append([]string(nil), campaign.DefaultSavePatterns...),
		LogMaxFiles:                defaultLogMaxFiles,
		Lanes:                      standardLaneConfigs(),
	}
}

func standardLaneConfigs() []LaneConfig {
	standard := lane.StandardLanes("")
	out := make([]LaneConfig, 0, len(standard))
	for _, l := range standard {
		out = append(out, LaneConfig{
			Name:        l.Name,
			CFlags:      l.CFlags,
			BuildFrom:   l.BuildFrom,
			LabelPrefix: l.LabelPrefix,
			Valgrind:    l.Valgrind,
			Enabled:     true,
		})
	}
	return out
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode config lanes in %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyPromptOverrides(cfg, decoded)
	if err := overlayLaneConfigs(cfg, raw, path); err != nil {
		return err
	}

	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func positive(value int, key, path string) (int, error) {
	if value <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return value, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ProjectRoot != nil {
		cfg.ProjectRoot = strings.TrimSpace(*decoded.ProjectRoot)
	}
	if decoded.LogRoot != nil {
		cfg.LogRoot = strings.TrimSpace(*decoded.LogRoot)
	}
	if decoded.HistoryDB != nil {
		cfg.HistoryDB = strings.TrimSpace(*decoded.HistoryDB)
	}
	if decoded.Enhanced != nil {
		cfg.Enhanced = *decoded.Enhanced
	}
	if decoded.SavePatterns != nil {
		cfg.SavePatterns = append([]string(nil), decoded.SavePatterns...)
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}

	ints := []struct {
		value *int
		key   string
		dest  *int
	}{
		{decoded.Runs, "runs", &cfg.Runs},
		{decoded.Steps, "steps", &cfg.Steps},
		{decoded.MaxConsecutiveQuitTimeouts, "max_consecutive_quit_timeouts", &cfg.MaxConsecutiveQuitTimeouts},
		{decoded.LogMaxFiles, "log_max_files", &cfg.LogMaxFiles},
	}
	for _, item := range ints {
		if item.value == nil {
			continue
		}
		value, err := positive(*item.value, item.key, path)
		if err != nil {
			return err
		}
		*item.dest = value
	}

	if decoded.FailureThresholdPercent != nil {
		value := *decoded.FailureThresholdPercent
		if value < 1 || value > 100 {
			return fmt.Errorf("parse failure_threshold_percent in %q: must be between 1 and 100", path)
		}
		cfg.FailureThresholdPercent = value
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	durations := []struct {
		value *string
		key   string
		dest  *time.Duration
	}{
		{decoded.SessionTimeout, "session_timeout", &cfg.SessionTimeout},
		{decoded.KillGrace, "kill_grace", &cfg.KillGrace},
		{decoded.KeystrokeDelay, "keystroke_delay", &cfg.KeystrokeDelay},
		{decoded.StartupTimeout, "startup_timeout", &cfg.StartupTimeout},
		{decoded.ConfirmTimeout, "confirm_timeout", &cfg.ConfirmTimeout},
		{decoded.GameStartTimeout, "game_start_timeout", &cfg.GameStartTimeout},
		{decoded.QuitTimeout, "quit_timeout", &cfg.QuitTimeout},
	}
	for _, item := range durations {
		if item.value == nil {
			continue
		}
		value, err := parseDuration(*item.value, item.key, path)
		if err != nil {
			return err
		}
		*item.dest = value
	}
	return nil
}

func applyPromptOverrides(cfg *Config, decoded fileConfig) {
	p := decoded.Prompts
	if p == nil {
		return
	}
	if v := strings.TrimSpace(p.Version); v != "" {
		cfg.Prompts.Version = v
	}
	overlay := func(dest *[]string, values []string) {
		if len(values) > 0 {
			*dest = append([]string(nil), values...)
		}
	}
	overlay(&cfg.Prompts.Experience, p.Experience)
	overlay(&cfg.Prompts.Pick, p.Pick)
	overlay(&cfg.Prompts.Name, p.Name)
	overlay(&cfg.Prompts.Assigned, p.Assigned)
	overlay(&cfg.Prompts.GameStart, p.GameStart)
	overlay(&cfg.Prompts.More, p.More)
	overlay(&cfg.Prompts.Quit, p.Quit)
	overlay(&cfg.Prompts.Saved, p.Saved)
	overlay(&cfg.Prompts.SaveFailed, p.SaveFailed)
}

func overlayLaneConfigs(cfg *Config, raw map[string]any, path string) error {
	lanesRaw, ok := raw["lanes"]
	if !ok {
		return nil
	}

	lanesMap, ok := lanesRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("parse lanes in %q: expected table", path)
	}

	names := make([]string, 0, len(lanesMap))
	for name := range lanesMap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := overlaySingleLaneConfig(cfg, name, lanesMap[name], path); err != nil {
			return err
		}
	}
	return nil
}

func overlaySingleLaneConfig(cfg *Config, laneName string, laneValue any, path string) error {
	laneMap, ok := laneValue.(map[string]any)
	if !ok {
		return fmt.Errorf("parse lanes.%s in %q: expected table", laneName, path)
	}
	normalized := normalizeKey(laneName)
	if normalized == "" {
		return fmt.Errorf("parse lanes in %q: lane name must not be empty", path)
	}

	index := -1
	for i := range cfg.Lanes {
		if cfg.Lanes[i].Name == normalized {
			index = i
			break
		}
	}
	if index < 0 {
		cfg.Lanes = append(cfg.Lanes, LaneConfig{Name: normalized, Enabled: true})
		index = len(cfg.Lanes) - 1
	}
	laneConfig := cfg.Lanes[index]

	for key, value := range laneMap {
		if err := applyLaneEntry(&laneConfig, laneName, key, value, path); err != nil {
			return err
		}
	}
	cfg.Lanes[index] = laneConfig
	return nil
}

func applyLaneEntry(laneConfig *LaneConfig, laneName, key string, value any, path string) error {
	field := fmt.Sprintf("lanes.%s.%s", laneName, key)
	switch normalizeKey(key) {
	case "cflags":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		laneConfig.CFlags = strings.TrimSpace(text)
	case "build_type":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		switch text {
		case lane.BuildTypeDebug, lane.BuildTypeHardened, lane.BuildTypeRelease:
			laneConfig.BuildType = text
		default:
			return fmt.Errorf("parse %s in %q: unsupported build type %q", field, path, text)
		}
	case "binary":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		laneConfig.Binary = strings.TrimSpace(text)
	case "build_from":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		laneConfig.BuildFrom = normalizeKey(text)
	case "label_prefix":
		text, err := stringValue(value, field, path)
		if err != nil {
			return err
		}
		laneConfig.LabelPrefix = strings.TrimSpace(text)
	case "valgrind":
		flag, err := boolValue(value, field, path)
		if err != nil {
			return err
		}
		laneConfig.Valgrind = flag
	case "enabled":
		flag, err := boolValue(value, field, path)
		if err != nil {
			return err
		}
		laneConfig.Enabled = flag
	default:
		return fmt.Errorf("parse %s in %q: unsupported key", field, path)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	known := map[string]bool{}
	for _, l := range c.Lanes {
		known[l.Name] = true
	}
	for _, l := range c.Lanes {
		if l.BuildFrom != "" && !known[l.BuildFrom] {
			return fmt.Errorf("lane %q builds from unknown lane %q", l.Name, l.BuildFrom)
		}
	}
	if !c.Prompts.Empty() {
		if _, err := session.DefaultProfile().WithOverrides(c.Prompts); err != nil {
			return fmt.Errorf("parse prompts: %w", err)
		}
	}
	return nil
}

// Root returns the absolute project root.
func (c *Config) Root() (string, error) {
	root := c.ProjectRoot
	if root == "" {
		root = "."
	}
	return filepath.Abs(root)
}

// LogDir returns the absolute log root. A relative log_root resolves against
// the project root.
func (c *Config) LogDir() (string, error) {
	root, err := c.Root()
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	logRoot := c.LogRoot
	if logRoot == "" {
		logRoot = defaultLogRoot
	}
	if !filepath.IsAbs(logRoot) {
		logRoot = filepath.Join(root, logRoot)
	}
	return logRoot, nil
}

// HistoryPath returns the SQLite history path, defaulting under the log root.
func (c *Config) HistoryPath() (string, error) {
	if c.HistoryDB != "" {
		return c.HistoryDB, nil
	}
	logDir, err := c.LogDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(logDir, defaultHistoryName), nil
}

// ResolveLanes returns the named lanes, or every enabled lane when names is
// empty. Unknown names are an error.
func (c *Config) ResolveLanes(names []string) ([]lane.Lane, error) {
	root, err := c.Root()
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	byName := make(map[string]LaneConfig, len(c.Lanes))
	for _, l := range c.Lanes {
		byName[l.Name] = l
	}

	var selected []LaneConfig
	if len(names) == 0 {
		for _, l := range c.Lanes {
			if l.Enabled {
				selected = append(selected, l)
			}
		}
	} else {
		for _, name := range names {
			l, ok := byName[normalizeKey(name)]
			if !ok {
				return nil, fmt.Errorf("unknown lane %q (known: %s)", name, strings.Join(c.LaneNames(), ", "))
			}
			selected = append(selected, l)
		}
	}

	out := make([]lane.Lane, 0, len(selected))
	for _, l := range selected {
		resolved := lane.Lane{
			Name:        l.Name,
			CFlags:      l.CFlags,
			BuildType:   l.BuildType,
			Binary:      l.Binary,
			BuildFrom:   l.BuildFrom,
			Valgrind:    l.Valgrind,
			LabelPrefix: l.LabelPrefix,
		}
		out = append(out, lane.Resolve(root, resolved))
	}
	return out, nil
}

// LaneNames lists configured lane names in configuration order.
func (c *Config) LaneNames() []string {
	names := make([]string, 0, len(c.Lanes))
	for _, l := range c.Lanes {
		names = append(names, l.Name)
	}
	return names
}

// SessionConfig builds the driver configuration, including prompt overrides.
func (c *Config) SessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()
	cfg.KillGrace = c.KillGrace
	cfg.KeystrokeDelay = c.KeystrokeDelay
	cfg.StartupTimeout = c.StartupTimeout
	cfg.ConfirmTimeout = c.ConfirmTimeout
	cfg.GameStartTimeout = c.GameStartTimeout
	cfg.QuitTimeout = c.QuitTimeout
	if !c.Prompts.Empty() {
		profile, err := cfg.Profile.WithOverrides(c.Prompts)
		if err != nil {
			return session.Config{}, fmt.Errorf("apply prompt overrides: %w", err)
		}
		cfg.Profile = profile
	}
	return cfg, nil
}

// CampaignConfig builds the campaign configuration for one invocation.
func (c *Config) CampaignConfig(logDir string) campaign.Config {
	return campaign.Config{
		Runs:                       c.Runs,
		Steps:                      c.Steps,
		Enhanced:                   c.Enhanced,
		SessionTimeout:             c.SessionTimeout,
		FailureThresholdPercent:    c.FailureThresholdPercent,
		MaxConsecutiveQuitTimeouts: c.MaxConsecutiveQuitTimeouts,
		SavePatterns:               append([]string(nil), c.SavePatterns...),
		LogDir:                     logDir,
		BaseEnv:                    os.Environ(),
	}
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func stringValue(value any, key string, path string) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("parse %s in %q: must be string", key, path)
	}
	return text, nil
}

func boolValue(value any, key string, path string) (bool, error) {
	flag, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("parse %s in %q: must be boolean", key, path)
	}
	return flag, nil
}
