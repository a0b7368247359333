package adminchat

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Modes
// ============================================================================

// DataSource selects where messages come from.
type DataSource string

const (
	SourcePolling  DataSource = "polling"
	SourceSnapshot DataSource = "snapshot"
)

// RefreshMode selects which sync operation the scheduler fires each tick.
type RefreshMode string

const (
	// RefreshMain runs an incremental refresh over all conversations.
	RefreshMain RefreshMode = "main"
	// RefreshFiltered re-syncs the active conversation from the cutoff.
	RefreshFiltered RefreshMode = "filtered"
	// RefreshAll re-syncs the active conversation without a cutoff.
	RefreshAll RefreshMode = "all"
)

func (m RefreshMode) valid() bool {
	return m == RefreshMain || m == RefreshFiltered || m == RefreshAll
}

const (
	DefaultTable       = "messages"
	DefaultColumns     = "id, visitor_id, sender, admin_name, message, file, created_at"
	DefaultIdentifier  = "visitor_id"
	DefaultQueryLimit  = 5000
	DefaultAuthorLabel = "Admin"
)

// DefaultEndpoints is the built-in registry of API base URLs.
var DefaultEndpoints = map[string]string{
	"A": "https://chatapi101.onrender.com",
	"B": "https://chatapi102.onrender.com",
	"E": "https://chatapi-fgqu.onrender.com",
}

// ============================================================================
// Config
// ============================================================================

// Config is the operator-editable configuration, persisted as TOML.
type Config struct {
	Source   SourceConfig   `toml:"source"`
	Table    TableConfig    `toml:"table"`
	Refresh  RefreshConfig  `toml:"refresh"`
	Operator OperatorConfig `toml:"operator"`
}

// SourceConfig selects and reaches the data source.
type SourceConfig struct {
	Mode         DataSource        `toml:"mode"`
	Endpoints    map[string]string `toml:"endpoints"`
	Endpoint     string            `toml:"endpoint"`
	DBURL        string            `toml:"db_url"`
	SnapshotFile string            `toml:"snapshot_file"`
}

// TableConfig describes the remote table.
type TableConfig struct {
	Name             string `toml:"name"`
	Columns          string `toml:"columns"`
	IdentifierColumn string `toml:"identifier_column"`
	// After is the date cutoff (YYYY-MM-DD or a full timestamp).
	After string `toml:"after"`
	Limit int    `toml:"limit"`
}

// RefreshConfig drives the scheduler. A zero interval disables it.
type RefreshConfig struct {
	IntervalSeconds int         `toml:"interval_seconds"`
	Mode            RefreshMode `toml:"mode"`
}

// OperatorConfig describes the human replying.
type OperatorConfig struct {
	Name string `toml:"name"`
}

// DefaultConfig returns the configuration a fresh session starts with.
func DefaultConfig(now time.Time) Config {
	endpoints := make(map[string]string, len(DefaultEndpoints))
	for k, v := range DefaultEndpoints {
		endpoints[k] = v
	}
	cfg := Config{
		Source: SourceConfig{Mode: SourcePolling, Endpoints: endpoints},
		Table: TableConfig{
			Name:             DefaultTable,
			Columns:          DefaultColumns,
			IdentifierColumn: DefaultIdentifier,
			After:            now.UTC().Format("2006-01-02"),
			Limit:            DefaultQueryLimit,
		},
		Refresh: RefreshConfig{Mode: RefreshMain},
	}
	cfg.Source.Endpoint = cfg.endpointKeys()[0]
	return cfg
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	if c.Source.Endpoints != nil {
		out.Source.Endpoints = make(map[string]string, len(c.Source.Endpoints))
		for k, v := range c.Source.Endpoints {
			out.Source.Endpoints[k] = v
		}
	}
	return out
}

// Polling reports whether the remote source should be polled.
func (c Config) Polling() bool {
	return c.Source.Mode != SourceSnapshot
}

// ColumnList splits the comma-separated attribute list.
func (c Config) ColumnList() []string {
	return ParseColumns(c.Table.Columns)
}

// ParseColumns splits a comma-separated attribute list, dropping blanks.
func ParseColumns(cols string) []string {
	var out []string
	for _, c := range strings.Split(cols, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Identifier returns the conversation attribute name.
func (c Config) Identifier() string {
	if c.Table.IdentifierColumn == "" {
		return DefaultIdentifierAttribute
	}
	return c.Table.IdentifierColumn
}

// QueryLimit returns the row limit per query.
func (c Config) QueryLimit() int {
	if c.Table.Limit <= 0 {
		return DefaultQueryLimit
	}
	return c.Table.Limit
}

// Cutoff parses the configured date cutoff.
func (c Config) Cutoff() (time.Time, bool) {
	return ParseTimestamp(c.Table.After)
}

// RefreshInterval returns the scheduler cadence; zero disables it.
func (c Config) RefreshInterval() time.Duration {
	if c.Refresh.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Refresh.IntervalSeconds) * time.Second
}

// AuthorLabel returns the operator display name.
func (c Config) AuthorLabel() string {
	if c.Operator.Name == "" {
		return DefaultAuthorLabel
	}
	return c.Operator.Name
}

// Credentials returns what the remote API needs to reach the table.
func (c Config) Credentials() Credentials {
	return Credentials{DBURL: c.Source.DBURL}
}

func (c Config) endpointKeys() []string {
	keys := make([]string, 0, len(c.Source.Endpoints))
	for k := range c.Source.Endpoints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return []string{""}
	}
	return keys
}

// BaseURL resolves the selected endpoint, falling back to the first
// registered one. It returns "" when no endpoint is registered.
func (c Config) BaseURL() string {
	if u, ok := c.Source.Endpoints[c.Source.Endpoint]; ok && strings.TrimSpace(u) != "" {
		return strings.TrimRight(strings.TrimSpace(u), "/")
	}
	first := c.endpointKeys()[0]
	return strings.TrimRight(strings.TrimSpace(c.Source.Endpoints[first]), "/")
}

// SnapshotName is the file name offered for export.
func (c Config) SnapshotName() string {
	if c.Source.SnapshotFile != "" {
		return c.Source.SnapshotFile
	}
	name := c.Table.Name
	if name == "" {
		name = DefaultTable
	}
	return name + "_export.csv"
}

// Validate checks enumerated fields.
func (c Config) Validate() error {
	if c.Source.Mode != "" && c.Source.Mode != SourcePolling && c.Source.Mode != SourceSnapshot {
		return fmt.Errorf("unknown data source %q (valid: polling, snapshot)", c.Source.Mode)
	}
	if c.Refresh.Mode != "" && !c.Refresh.Mode.valid() {
		return fmt.Errorf("unknown refresh mode %q (valid: main, filtered, all)", c.Refresh.Mode)
	}
	if c.Refresh.IntervalSeconds < 0 {
		return fmt.Errorf("refresh interval must not be negative")
	}
	if c.Table.After != "" {
		if _, ok := c.Cutoff(); !ok {
			return fmt.Errorf("cannot parse date cutoff %q", c.Table.After)
		}
	}
	return nil
}

// ============================================================================
// Persistence
// ============================================================================

// LoadConfigFile reads a TOML config over defaults. A missing file yields
// the defaults.
func LoadConfigFile(path string, now time.Time) (Config, error) {
	cfg := DefaultConfig(now)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfigFile writes cfg as TOML.
func SaveConfigFile(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// Environment overrides.
const (
	EnvDBURL     = "ADMINCHAT_DB_URL"
	EnvEndpoint  = "ADMINCHAT_ENDPOINT"
	EnvAPIBase   = "ADMINCHAT_API_BASE"
	EnvAdminName = "ADMINCHAT_ADMIN_NAME"
)

// ApplyEnv loads the given .env files (missing files are ignored) and
// overlays ADMINCHAT_* variables onto cfg.
func ApplyEnv(cfg *Config, files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
	if v := os.Getenv(EnvDBURL); v != "" {
		cfg.Source.DBURL = v
	}
	if v := os.Getenv(EnvAPIBase); v != "" {
		if cfg.Source.Endpoints == nil {
			cfg.Source.Endpoints = make(map[string]string)
		}
		cfg.Source.Endpoints["env"] = v
		cfg.Source.Endpoint = "env"
	}
	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Source.Endpoint = v
	}
	if v := os.Getenv(EnvAdminName); v != "" {
		cfg.Operator.Name = v
	}
}

// SetValue sets a config field using dot notation (e.g. "table.name").
func SetValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. table.name)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "source":
		switch field {
		case "mode":
			cfg.Source.Mode = DataSource(value)
		case "endpoint":
			cfg.Source.Endpoint = value
		case "db_url":
			cfg.Source.DBURL = value
		case "snapshot_file":
			cfg.Source.SnapshotFile = value
		default:
			if name, ok := strings.CutPrefix(field, "endpoints."); ok && name != "" {
				if cfg.Source.Endpoints == nil {
					cfg.Source.Endpoints = make(map[string]string)
				}
				cfg.Source.Endpoints[name] = value
				break
			}
			return fmt.Errorf("unknown field %q in section [source]", field)
		}
	case "table":
		switch field {
		case "name":
			cfg.Table.Name = value
		case "columns":
			cfg.Table.Columns = value
		case "identifier_column":
			cfg.Table.IdentifierColumn = value
		case "after":
			cfg.Table.After = value
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("table.limit: %w", err)
			}
			cfg.Table.Limit = n
		default:
			return fmt.Errorf("unknown field %q in section [table]", field)
		}
	case "refresh":
		switch field {
		case "interval_seconds":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("refresh.interval_seconds: %w", err)
			}
			cfg.Refresh.IntervalSeconds = n
		case "mode":
			cfg.Refresh.Mode = RefreshMode(value)
		default:
			return fmt.Errorf("unknown field %q in section [refresh]", field)
		}
	case "operator":
		switch field {
		case "name":
			cfg.Operator.Name = value
		default:
			return fmt.Errorf("unknown field %q in section [operator]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: source, table, refresh, operator)", section)
	}
	return cfg.Validate()
}

// ============================================================================
// Settings
// ============================================================================

// Settings holds the live configuration of a session. Components read a
// consistent copy with Get; edits go through Update so listeners can re-arm
// timers.
type Settings struct {
	mu        sync.RWMutex
	cfg       Config
	listeners []func(old, cur Config)
}

// NewSettings wraps cfg.
func NewSettings(cfg Config) *Settings {
	return &Settings{cfg: cfg.Clone()}
}

// Get returns a copy of the current configuration.
func (s *Settings) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update applies fn to a copy of the configuration and installs the result
// if it validates.
func (s *Settings) Update(fn func(*Config)) (Config, error) {
	s.mu.Lock()
	old := s.cfg.Clone()
	next := s.cfg.Clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return old, err
	}
	s.cfg = next
	listeners := append([]func(old, cur Config){}, s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(old, next.Clone())
	}
	return next.Clone(), nil
}

// OnChange registers a listener called after every successful Update.
func (s *Settings) OnChange(fn func(old, cur Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
