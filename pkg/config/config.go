// Package config provides the key-value configuration used to gate flush targets,
// select cache and CDN engines and persist CDN access state.
//
// Loading order:
//  1. .env files (secrets, APP_ENV)
//  2. configs/common.yaml, then configs/{APP_ENV}.yaml
//  3. environment overrides, CACHEFLUSH_<KEY> with dots replaced by underscores
//
// Keys are dotted paths ("dbcache.enabled", "cdn.rackspace_cdn.region"). Nested YAML
// maps are flattened on load and re-nested on Save.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes environment overrides.
const DefaultEnvPrefix = "CACHEFLUSH_"

// ErrNoFile is returned by Save when the configuration was not loaded from a file.
var ErrNoFile = errors.New(errors.CodeInvalidConfig, "config: no file to save to")

// Reader is the read side of the configuration.
type Reader interface {
	GetBoolean(key string) bool
	GetString(key string) string
	GetInteger(key string) int
	GetArray(key string) []string
}

// Writer persists values that the system itself produces (CDN access state,
// browser cache flush timestamp).
type Writer interface {
	Set(key string, value interface{})
	Save() error
}

// Store is a Reader that can also be written.
type Store interface {
	Reader
	Writer
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// File, when set, is the only YAML file loaded and the target of Save.
	File string
	// Env selects configs/{Env}.yaml. Defaults to APP_ENV, then "dev".
	Env string
	// EnvPrefix for overrides. Defaults to DefaultEnvPrefix.
	EnvPrefix string
	// SearchPaths replaces the default configs/ search paths.
	SearchPaths []string
}

// Config is the default Store implementation.
type Config struct {
	mu        sync.RWMutex
	values    map[string]interface{}
	explicit  map[string]struct{}
	path      string
	envPrefix string
}

// New builds an in-memory configuration. Nested maps are flattened.
// Environment overrides are disabled.
func New(values map[string]interface{}) *Config {
	c := &Config{
		values:   make(map[string]interface{}),
		explicit: make(map[string]struct{}),
	}
	flatten("", values, c.values)
	return c
}

// Load reads .env files, YAML configuration and enables environment overrides.
func Load(opts LoadOptions) (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = DefaultEnvPrefix
	}
	if opts.Env == "" {
		opts.Env = os.Getenv("APP_ENV")
	}
	if opts.Env == "" {
		opts.Env = "dev"
	}

	c := New(nil)
	c.envPrefix = opts.EnvPrefix

	if opts.File != "" {
		if err := c.mergeFile(opts.File); err != nil {
			return nil, err
		}
		c.path = opts.File
		return c, nil
	}

	paths := opts.SearchPaths
	if len(paths) == 0 {
		paths = configPaths
	}

	for _, name := range []string{"common.yaml", opts.Env + ".yaml"} {
		for _, base := range paths {
			path := filepath.Join(base, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := c.mergeFile(path); err != nil {
				return nil, err
			}
			c.path = path
			break
		}
	}

	return c, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInvalidConfig, "config: read %s", path)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.Wrapf(err, errors.CodeInvalidConfig, "config: parse %s", path)
	}

	c.mu.Lock()
	flatten("", raw, c.values)
	c.mu.Unlock()
	return nil
}

// Path returns the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// SetPath changes the file Save writes to.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
}

func (c *Config) lookup(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.explicit[key]; ok {
		return c.values[key], true
	}
	if c.envPrefix != "" {
		name := c.envPrefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
	}
	v, ok := c.values[key]
	return v, ok
}

// GetBoolean returns false for missing or unparsable values.
func (c *Config) GetBoolean(key string) bool {
	v, ok := c.lookup(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	default:
		return false
	}
}

// GetString returns "" for missing values.
func (c *Config) GetString(key string) string {
	v, ok := c.lookup(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []interface{}, []string:
		return strings.Join(toStrings(t), ",")
	default:
		return fmt.Sprint(t)
	}
}

// GetInteger returns 0 for missing or unparsable values.
func (c *Config) GetInteger(key string) int {
	v, ok := c.lookup(key)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// GetArray accepts YAML sequences and comma or newline separated strings.
func (c *Config) GetArray(key string) []string {
	v, ok := c.lookup(key)
	if !ok || v == nil {
		return nil
	}
	return toStrings(v)
}

// Set stores a value that wins over environment overrides and file values.
func (c *Config) Set(key string, value interface{}) {
	c.mu.Lock()
	c.values[key] = value
	c.explicit[key] = struct{}{}
	c.mu.Unlock()
}

// Save writes all values back to the configuration file as nested YAML.
func (c *Config) Save() error {
	c.mu.RLock()
	path := c.path
	nested := unflatten(c.values)
	c.mu.RUnlock()

	if path == "" {
		return ErrNoFile
	}

	data, err := yaml.Marshal(nested)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "config: encode")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeInternal, "config: mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "config: temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.CodeInternal, "config: write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.CodeInternal, "config: close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.CodeInternal, "config: rename")
	}
	return nil
}

// Keys returns all keys loaded from files or set at runtime, sorted.
func (c *Config) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]interface{}:
			flatten(key, t, out)
		case map[interface{}]interface{}:
			m := make(map[string]interface{}, len(t))
			for mk, mv := range t {
				m[fmt.Sprint(mk)] = mv
			}
			flatten(key, m, out)
		default:
			out[key] = v
		}
	}
}

func unflatten(in map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	// Shorter keys first so a leaf never overwrites a subtree created later.
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) < len(keys[j]) })

	out := make(map[string]interface{})
	for _, k := range keys {
		parts := strings.Split(k, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := node[p].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				node[p] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = in[k]
	}
	return out
}

func toStrings(v interface{}) []string {
	var out []string
	switch t := v.(type) {
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []interface{}:
		for _, item := range t {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		fields := strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == '\n' })
		for _, s := range fields {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s := strings.TrimSpace(fmt.Sprint(t)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
