// oreon/defense · watchthelight <wtl>

// Package config loads the logban configuration directory:
//
//	<dir>/logban.toml       daemon settings
//	<dir>/filters/*.conf    "<log path> | <event> | <pattern>" lines
//	<dir>/triggers/*.toml   one table per trigger id
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultDir is the configuration directory used when none is given.
const DefaultDir = "/etc/logban"

// Trigger types.
const (
	TypeGroupCounter = "group_counter"
	TypeIPBan        = "ip_ban"
)

// Action backends.
const (
	BackendNft       = "nft"
	BackendIptables  = "iptables"
	BackendFirewalld = "firewalld"
	BackendLog       = "log"
)

// Config is the complete daemon configuration.
type Config struct {
	Log       LogConfig       `toml:"log"`
	DB        DBConfig        `toml:"db"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Reader    ReaderConfig    `toml:"reader"`
	IPC       IPCConfig       `toml:"ipc"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Action    ActionConfig    `toml:"action"`
	Notify    NotifyConfig    `toml:"notify"`

	// Filters and Triggers come from the filters/ and triggers/ directories.
	Filters  []FilterConfig           `toml:"-"`
	Triggers map[string]TriggerConfig `toml:"-"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Path   string `toml:"path"`
}

type DBConfig struct {
	Path string `toml:"path"`
}

type SchedulerConfig struct {
	TickInterval Duration `toml:"tick_interval"`
}

type ReaderConfig struct {
	BatchSize int `toml:"batch_size"`
}

type IPCConfig struct {
	Enabled bool   `toml:"enabled"`
	Socket  string `toml:"socket"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint; empty disables it.
	Listen string `toml:"listen"`
}

type ActionConfig struct {
	Backend string `toml:"backend"`

	NftFamily string `toml:"nft_family"`
	NftTable  string `toml:"nft_table"`
	NftSet    string `toml:"nft_set"`
	NftSet6   string `toml:"nft_set6"`

	IptablesChain string `toml:"iptables_chain"`

	FirewalldIPSet  string `toml:"firewalld_ipset"`
	FirewalldIPSet6 string `toml:"firewalld_ipset6"`
}

type NotifyConfig struct {
	Enabled bool     `toml:"enabled"`
	Events  []string `toml:"events"`
}

// FilterConfig is one parsed filter definition line.
type FilterConfig struct {
	LogPath string
	Event   string
	Pattern string
	// Source is "file:line" for error messages.
	Source string
}

// TriggerConfig is one trigger table. Which keys apply depends on Type.
type TriggerConfig struct {
	Type          string   `toml:"type"`
	TriggerEvents []string `toml:"trigger_events"`

	// group_counter
	GroupOn     []string `toml:"group_on"`
	ResultEvent string   `toml:"result_event"`
	ResetEvents []string `toml:"reset_events"`
	Count       int      `toml:"count"`
	Timeout     int64    `toml:"timeout"`

	// ip_ban
	BanTime       int64   `toml:"ban_time"`
	ProbationTime int64   `toml:"probation_time"`
	RepeatScale   float64 `toml:"repeat_scale"`
	IPField       string  `toml:"ip_field"`
}

// Duration is a time.Duration written as a string such as "60s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const thirtyDays = 30 * 24 * 60 * 60

// Default returns the configuration used for unset keys.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		DB:        DBConfig{Path: "/var/lib/logban/logban.sqlite3"},
		Scheduler: SchedulerConfig{TickInterval: Duration{60 * time.Second}},
		Reader:    ReaderConfig{BatchSize: 512},
		IPC:       IPCConfig{Enabled: true, Socket: "/run/logban/logban.sock"},
		Action: ActionConfig{
			Backend:         BackendNft,
			NftFamily:       "inet",
			NftTable:        "filter",
			NftSet:          "logban4",
			NftSet6:         "logban6",
			IptablesChain:   "INPUT",
			FirewalldIPSet:  "logban4",
			FirewalldIPSet6: "logban6",
		},
		Notify:   NotifyConfig{Events: []string{}},
		Triggers: make(map[string]TriggerConfig),
	}
}

// DefaultTrigger returns a trigger table with every default applied.
func DefaultTrigger() TriggerConfig {
	return TriggerConfig{
		Count:         5,
		Timeout:       thirtyDays,
		BanTime:       thirtyDays,
		ProbationTime: thirtyDays,
		RepeatScale:   2,
		IPField:       "rhost",
	}
}

// Load reads and validates the configuration directory dir. Missing
// files and directories leave the defaults in place.
func Load(dir string) (*Config, error) {
	cfg := Default()

	mainPath := filepath.Join(dir, "logban.toml")
	md, err := toml.DecodeFile(mainPath, cfg)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("no main config file, using defaults", "path", mainPath)
	case err != nil:
		return nil, fmt.Errorf("parse %s: %w", mainPath, err)
	default:
		if err := undecoded(mainPath, md); err != nil {
			return nil, err
		}
	}

	filters, err := LoadFilters(filepath.Join(dir, "filters"))
	if err != nil {
		return nil, err
	}
	cfg.Filters = filters

	if err := loadTriggers(filepath.Join(dir, "triggers"), cfg.Triggers); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func undecoded(path string, md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return fmt.Errorf("%s: unknown keys: %s", path, strings.Join(names, ", "))
}

// configFiles lists dir/*ext in lexical order. A missing directory has
// no files.
func configFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// loadTriggers decodes every triggers/*.toml file. A key set by a later
// file overrides the same key of the same trigger id from an earlier one.
func loadTriggers(dir string, triggers map[string]TriggerConfig) error {
	files, err := configFiles(dir, ".toml")
	if err != nil {
		return err
	}
	for _, path := range files {
		var raw map[string]toml.Primitive
		md, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for id, prim := range raw {
			tc, ok := triggers[id]
			if !ok {
				tc = DefaultTrigger()
			}
			if err := md.PrimitiveDecode(prim, &tc); err != nil {
				return fmt.Errorf("%s: trigger %s: %w", path, id, err)
			}
			triggers[id] = tc
		}
		if err := undecoded(path, md); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every setting that can be checked without opening
// files or compiling patterns.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path: must not be empty"))
	}
	if c.Scheduler.TickInterval.Duration <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval: must be positive"))
	}
	if c.Reader.BatchSize <= 0 {
		errs = append(errs, errors.New("reader.batch_size: must be positive"))
	}
	if c.IPC.Enabled && c.IPC.Socket == "" {
		errs = append(errs, errors.New("ipc.socket: must not be empty when ipc is enabled"))
	}
	switch c.Action.Backend {
	case BackendNft, BackendIptables, BackendFirewalld, BackendLog:
	default:
		errs = append(errs, fmt.Errorf("action.backend: unknown backend %q", c.Action.Backend))
	}

	for _, id := range slices.Sorted(maps.Keys(c.Triggers)) {
		if err := c.Triggers[id].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks a trigger table. Unknown types are left to the trigger
// registry.
func (t TriggerConfig) Validate() error {
	var errs []error
	if t.Type == "" {
		errs = append(errs, errors.New("type: must be set"))
	}
	if len(t.TriggerEvents) == 0 {
		errs = append(errs, errors.New("trigger_events: must name at least one event"))
	}
	switch t.Type {
	case TypeGroupCounter:
		if t.ResultEvent == "" {
			errs = append(errs, errors.New("result_event: must be set"))
		}
		if t.Count < 1 {
			errs = append(errs, fmt.Errorf("count: must be at least 1, got %d", t.Count))
		}
		if t.Timeout < 0 {
			errs = append(errs, fmt.Errorf("timeout: must not be negative, got %d", t.Timeout))
		}
	case TypeIPBan:
		if t.BanTime <= 0 {
			errs = append(errs, fmt.Errorf("ban_time: must be positive, got %d", t.BanTime))
		}
		if t.ProbationTime <= 0 {
			errs = append(errs, fmt.Errorf("probation_time: must be positive, got %d", t.ProbationTime))
		}
		if t.RepeatScale < 1 {
			errs = append(errs, fmt.Errorf("repeat_scale: must be at least 1, got %g", t.RepeatScale))
		}
		if t.IPField == "" {
			errs = append(errs, errors.New("ip_field: must not be empty"))
		}
	}
	return errors.Join(errs...)
}

// TimeoutDuration returns the counter window.
func (t TriggerConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// BanDuration returns the base ban length.
func (t TriggerConfig) BanDuration() time.Duration {
	return time.Duration(t.BanTime) * time.Second
}

// ProbationDuration returns the probation length.
func (t TriggerConfig) ProbationDuration() time.Duration {
	return time.Duration(t.ProbationTime) * time.Second
}
