package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
)

// Settings keys read from the editor settings file. Dots inside
// a key are escaped for gjson.
const (
	keyExclude        = `iar-build\.projectsToExclude`
	keyToolchainPaths = `iar-build\.extraToolchainPaths`
	keyToolchain      = `iar-build\.toolchain`
	keyLoadCommand    = `iar-build\.loadCommand`
)

// Config holds all application configuration.
type Config struct {
	Root         string `validate:"required,dir"`
	SettingsPath string

	// From the settings file, env or flags.
	ProjectsToExclude  []string
	ToolchainPaths     []string `validate:"dive,required"`
	PreferredToolchain string
	LoadCommand        []string

	Debounce     time.Duration `validate:"gt=0"`
	ParseWorkers int           `validate:"min=1,max=64"`
	LogLevel     string        `validate:"oneof=debug info warn error"`
	LogFormat    string        `validate:"oneof=console json"`
	MetricsAddr  string        `validate:"omitempty,hostname_port"`

	// Fields set by env or flags; the settings file never
	// overrides them, including on reload.
	pinned map[string]bool
}

// Default returns a Config with default values for root.
func Default(root string) (Config, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf(
				"determining working directory: %w", err,
			)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Config{}, fmt.Errorf("resolving root: %w", err)
	}
	return Config{
		Root:           abs,
		SettingsPath:   filepath.Join(abs, ".vscode", "settings.json"),
		ToolchainPaths: defaultToolchainPaths(),
		Debounce:       250 * time.Millisecond,
		ParseWorkers:   4,
		LogLevel:       "info",
		LogFormat:      "console",
		pinned:         make(map[string]bool),
	}, nil
}

func defaultToolchainPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\Program Files\IAR Systems`,
			`C:\Program Files (x86)\IAR Systems`,
		}
	}
	return []string{"/opt/iarsystems"}
}

// Load builds a Config by layering: defaults < settings file <
// env < flags. The provided FlagSet must already be parsed by the
// caller. Only flags that were explicitly set override the lower
// layers.
func Load(fs *pflag.FlagSet) (Config, error) {
	root := os.Getenv("EWSYNC_ROOT")
	if fs != nil && fs.Changed("root") {
		root, _ = fs.GetString("root")
	}
	cfg, err := Default(root)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("EWSYNC_SETTINGS"); v != "" {
		cfg.SettingsPath = v
	}
	if fs != nil && fs.Changed("settings") {
		cfg.SettingsPath, _ = fs.GetString("settings")
	}

	if err := cfg.loadEnv(); err != nil {
		return cfg, fmt.Errorf("loading environment: %w", err)
	}
	if err := applyFlags(&cfg, fs); err != nil {
		return cfg, err
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading settings file: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ReloadSettings re-reads the settings file. Values pinned by env
// or flags are kept. It reports whether the exclusion list
// changed.
func (c *Config) ReloadSettings() (bool, error) {
	prev := slices.Clone(c.ProjectsToExclude)
	if !c.pinned["exclude"] {
		c.ProjectsToExclude = nil
	}
	if !c.pinned["toolchain-path"] {
		c.ToolchainPaths = defaultToolchainPaths()
	}
	if !c.pinned["toolchain"] {
		c.PreferredToolchain = ""
	}
	if !c.pinned["load-command"] {
		c.LoadCommand = nil
	}
	if err := c.loadFile(); err != nil {
		return false, fmt.Errorf("reloading settings file: %w", err)
	}
	return !slices.Equal(prev, c.ProjectsToExclude), nil
}

// loadFile applies the settings file. A missing file is not an
// error. Values already pinned by env or flags are left alone.
func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.SettingsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("parsing %s: invalid JSON", c.SettingsPath)
	}

	doc := gjson.ParseBytes(data)
	if v := doc.Get(keyExclude); v.IsArray() && !c.pinned["exclude"] {
		c.ProjectsToExclude = stringArray(v)
	}
	if v := doc.Get(keyToolchainPaths); v.IsArray() && !c.pinned["toolchain-path"] {
		// Extra paths are searched in addition to the defaults.
		for _, p := range stringArray(v) {
			if !slices.Contains(c.ToolchainPaths, p) {
				c.ToolchainPaths = append(c.ToolchainPaths, p)
			}
		}
	}
	if v := doc.Get(keyToolchain); v.Type == gjson.String && !c.pinned["toolchain"] {
		c.PreferredToolchain = v.String()
	}
	if v := doc.Get(keyLoadCommand); !c.pinned["load-command"] {
		switch {
		case v.IsArray():
			c.LoadCommand = stringArray(v)
		case v.Type == gjson.String:
			args, err := shlex.Split(v.String())
			if err != nil {
				return fmt.Errorf("parsing %s: %w", keyLoadCommand, err)
			}
			c.LoadCommand = args
		}
	}
	return nil
}

func stringArray(v gjson.Result) []string {
	var out []string
	v.ForEach(func(_, item gjson.Result) bool {
		if s := item.String(); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("EWSYNC_EXCLUDE"); v != "" {
		patterns, err := shlex.Split(v)
		if err != nil {
			return fmt.Errorf("EWSYNC_EXCLUDE: %w", err)
		}
		c.ProjectsToExclude = patterns
		c.pinned["exclude"] = true
	}
	if v := os.Getenv("EWSYNC_TOOLCHAIN_PATHS"); v != "" {
		c.ToolchainPaths = filepath.SplitList(v)
		c.pinned["toolchain-path"] = true
	}
	if v := os.Getenv("EWSYNC_TOOLCHAIN"); v != "" {
		c.PreferredToolchain = v
		c.pinned["toolchain"] = true
	}
	if v := os.Getenv("EWSYNC_LOAD_COMMAND"); v != "" {
		args, err := shlex.Split(v)
		if err != nil {
			return fmt.Errorf("EWSYNC_LOAD_COMMAND: %w", err)
		}
		c.LoadCommand = args
		c.pinned["load-command"] = true
	}
	if v := os.Getenv("EWSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("EWSYNC_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("EWSYNC_DEBOUNCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EWSYNC_DEBOUNCE: %w", err)
		}
		c.Debounce = d
	}
	if v := os.Getenv("EWSYNC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EWSYNC_WORKERS: %w", err)
		}
		c.ParseWorkers = n
	}
	return nil
}

// RegisterFlags registers the shared flags on fs. The caller must
// parse fs before passing it to Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("root", "", "Directory to watch (default: working directory)")
	fs.String("settings", "", "Settings file (default: <root>/.vscode/settings.json)")
	fs.StringSlice("exclude", nil, "Gitignore-style project exclusion patterns")
	fs.StringSlice("toolchain-path", nil, "Directories searched for toolchain installs")
	fs.String("toolchain", "", "Preferred toolchain install path")
	fs.Duration("debounce", 250*time.Millisecond, "Quiet period before file changes are applied")
	fs.Int("workers", 4, "Parallel project parses")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-format", "console", "Log format: console or json")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	if fs == nil {
		return nil
	}
	var err error
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "exclude":
			cfg.ProjectsToExclude, err = fs.GetStringSlice(f.Name)
			cfg.pinned["exclude"] = true
		case "toolchain-path":
			cfg.ToolchainPaths, err = fs.GetStringSlice(f.Name)
			cfg.pinned["toolchain-path"] = true
		case "toolchain":
			cfg.PreferredToolchain = f.Value.String()
			cfg.pinned["toolchain"] = true
		case "debounce":
			cfg.Debounce, err = fs.GetDuration(f.Name)
		case "workers":
			cfg.ParseWorkers, err = fs.GetInt(f.Name)
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "log-format":
			cfg.LogFormat = f.Value.String()
		case "metrics-addr":
			cfg.MetricsAddr = f.Value.String()
		}
	})
	return err
}

// SavePreferredToolchain records the toolchain in the settings
// file, keeping every other key.
func (c *Config) SavePreferredToolchain(path string) error {
	if err := os.MkdirAll(filepath.Dir(c.SettingsPath), 0o755); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.SettingsPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading settings file: %w", err)
	}
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing settings file is invalid, cannot update: %w",
				err,
			)
		}
	}

	existing["iar-build.toolchain"] = path
	out, err := json.MarshalIndent(existing, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	if err := os.WriteFile(c.SettingsPath, out, 0o644); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	c.PreferredToolchain = path
	return nil
}
