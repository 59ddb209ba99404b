// Package config loads the project configuration from .xrefdb.toml, or from
// .xrefdb.kdl when no TOML file exists, and fills in defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"

	"github.com/jward/xrefdb/internal/index"
)

// File names looked up in the project root, in order.
const (
	TOMLFile = ".xrefdb.toml"
	KDLFile  = ".xrefdb.kdl"
)

// Defaults.
const (
	DefaultIndexPath   = ".xrefdb/index.xdb"
	DefaultCatalogPath = ".xrefdb/catalog.db"
	DefaultDebounceMs  = 200
	DefaultRetry       = 1
)

type Config struct {
	// Root is the project root every relative path resolves against. It is
	// never read from the file.
	Root string `toml:"-"`

	Index     Index      `toml:"index"`
	Fragments []Fragment `toml:"fragments"`
	Watch     Watch      `toml:"watch"`
	Log       Log        `toml:"log"`
}

type Index struct {
	Path      string   `toml:"path"`
	Catalog   string   `toml:"catalog"`
	Languages []string `toml:"languages"`
	Exclude   []string `toml:"exclude"`
	Workers   int      `toml:"workers"`
	Retry     int      `toml:"retry"`

	// IncludeDirs are searched, in order, for include targets not found
	// next to the including file.
	IncludeDirs []string `toml:"include_dirs"`
}

// Fragment is a read-only dependency fragment attached on open.
type Fragment struct {
	ID   string `toml:"id"`
	Path string `toml:"path"`
}

type Watch struct {
	DebounceMs int `toml:"debounce_ms"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when root has no config file.
func Default(root string) *Config {
	return &Config{
		Root: root,
		Index: Index{
			Path:      DefaultIndexPath,
			Catalog:   DefaultCatalogPath,
			Languages: []string{"c", "cpp"},
			Exclude:   []string{".git/**", ".xrefdb/**"},
			Workers:   runtime.NumCPU(),
			Retry:     DefaultRetry,
		},
		Watch: Watch{DebounceMs: DefaultDebounceMs},
		Log:   Log{Level: "info", Format: "text"},
	}
}

// Load reads the configuration of the project at root. A missing file is
// not an error; the defaults are returned.
func Load(root string) (*Config, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("config: resolve root: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(abs, TOMLFile))
	switch {
	case err == nil:
		cfg, err := Parse(abs, data)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", TOMLFile, err)
		}
		return cfg, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config: read %s: %w", TOMLFile, err)
	}

	data, err = os.ReadFile(filepath.Join(abs, KDLFile))
	switch {
	case err == nil:
		cfg, err := ParseKDL(abs, string(data))
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", KDLFile, err)
		}
		return cfg, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config: read %s: %w", KDLFile, err)
	}

	cfg := Default(abs)
	return cfg, cfg.Validate()
}

// Parse decodes TOML data over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(root string, data []byte) (*Config, error) {
	cfg := Default(root)
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.Root = root
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and fills zero values that have defaults.
func (c *Config) Validate() error {
	if c.Index.Path == "" {
		c.Index.Path = DefaultIndexPath
	}
	if c.Index.Catalog == "" {
		c.Index.Catalog = DefaultCatalogPath
	}
	if c.Index.Workers <= 0 {
		c.Index.Workers = runtime.NumCPU()
	}
	if c.Index.Retry < 0 {
		return fmt.Errorf("index.retry must not be negative, got %d", c.Index.Retry)
	}
	if len(c.Index.Languages) == 0 {
		return errors.New("index.languages must name at least one language")
	}
	for _, l := range c.Index.Languages {
		if _, err := index.ParseLanguage(l); err != nil {
			return fmt.Errorf("index.languages: %w", err)
		}
	}
	for _, pat := range c.Index.Exclude {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("index.exclude: invalid pattern %q", pat)
		}
	}

	seen := make(map[string]bool, len(c.Fragments))
	for i, f := range c.Fragments {
		if f.ID == "" || f.Path == "" {
			return fmt.Errorf("fragments[%d]: id and path are required", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("fragments[%d]: duplicate id %q", i, f.ID)
		}
		seen[f.ID] = true
	}

	if c.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounce_ms must not be negative, got %d", c.Watch.DebounceMs)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Resolve makes p absolute relative to the project root.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// IndexPath is the absolute path of the writable fragment.
func (c *Config) IndexPath() string { return c.Resolve(c.Index.Path) }

// CatalogPath is the absolute path of the catalog database.
func (c *Config) CatalogPath() string { return c.Resolve(c.Index.Catalog) }

// IncludeDirs returns the include search directories as absolute paths.
func (c *Config) IncludeDirs() []string {
	out := make([]string, len(c.Index.IncludeDirs))
	for i, d := range c.Index.IncludeDirs {
		out[i] = c.Resolve(d)
	}
	return out
}

// Debounce is the watch debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// Languages returns the configured languages. Validate has already checked
// that every name parses.
func (c *Config) Languages() []index.Language {
	out := make([]index.Language, 0, len(c.Index.Languages))
	for _, name := range c.Index.Languages {
		if l, err := index.ParseLanguage(name); err == nil {
			out = append(out, l)
		}
	}
	return out
}

// Logger builds a slog.Logger writing to w in the configured format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.Log.Level))
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
