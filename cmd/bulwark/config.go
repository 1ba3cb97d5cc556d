package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/rendis/bulwark/internal/engine"
	"github.com/rendis/bulwark/internal/isolation"
	"github.com/rendis/bulwark/internal/orchestrator"
	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/internal/validation"
	"github.com/rendis/bulwark/pkg/schema"
)

// Config holds all bulwark server configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	LogLevel     string                              `yaml:"log_level"`
	LogFormat    string                              `yaml:"log_format"`
	ListenAddr   string                              `yaml:"listen_addr"`
	DBPath       string                              `yaml:"db_path"`
	Redis        *RedisConfig                        `yaml:"redis"`
	StateStore   statestore.Config                   `yaml:"state_store"`
	Boundary     engine.BoundaryConfig               `yaml:"boundary"`
	// Limits overlay the built-in per-type limits field by field.
	Limits       map[string]isolation.ResourceLimits `yaml:"limits"`
	Recovery     recovery.Config                     `yaml:"recovery"`
	Orchestrator orchestrator.Config                 `yaml:"orchestrator"`
	PoliciesFile string                              `yaml:"policies_file"`
	Policies     map[string]any                      `yaml:"policies"`
}

// RedisConfig enables the Redis state mirror.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TTL          time.Duration `yaml:"ttl"`
	MaxSnapshots int           `yaml:"max_snapshots"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "info",
		LogFormat:    "text",
		ListenAddr:   ":4200",
		StateStore:   statestore.DefaultConfig(),
		Boundary:     engine.DefaultBoundaryConfig(),
		Recovery:     recovery.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
	}
}

func bulwarkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bulwark"
	}
	return filepath.Join(home, ".bulwark")
}

func defaultConfigPath() string {
	return filepath.Join(bulwarkDir(), "config.yaml")
}

// envOverride maps one BULWARK_* variable onto a config document path.
type envOverride struct {
	env   string
	path  []string
	parse func(string) (any, error)
}

func asString(v string) (any, error) { return v, nil }

func asInt(v string) (any, error) { return strconv.Atoi(v) }

func asBool(v string) (any, error) { return strconv.ParseBool(v) }

var envOverrides = []envOverride{
	{"BULWARK_LOG_LEVEL", []string{"log_level"}, asString},
	{"BULWARK_LOG_FORMAT", []string{"log_format"}, asString},
	{"BULWARK_LISTEN_ADDR", []string{"listen_addr"}, asString},
	{"BULWARK_DB_PATH", []string{"db_path"}, asString},
	{"BULWARK_REDIS_ADDR", []string{"redis", "addr"}, asString},
	{"BULWARK_REDIS_PASSWORD", []string{"redis", "password"}, asString},
	{"BULWARK_POLICIES_FILE", []string{"policies_file"}, asString},
	{"BULWARK_AUTO_RECOVER", []string{"orchestrator", "auto_recover"}, asBool},
	{"BULWARK_RECOVERY_POOL_SIZE", []string{"recovery", "pool_size"}, asInt},
}

// readDocument reads the YAML config at path. A missing file is only an
// error when the path was given explicitly.
func readDocument(path string, explicit bool) (map[string]any, error) {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return doc, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// applyEnv writes every set override into doc.
func applyEnv(doc map[string]any, getenv func(string) string) error {
	for _, o := range envOverrides {
		raw := getenv(o.env)
		if raw == "" {
			continue
		}
		v, err := o.parse(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		setPath(doc, o.path, v)
	}
	return nil
}

func setPath(doc map[string]any, path []string, v any) {
	cur := doc
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

// decodeConfig lays doc over the defaults.
func decodeConfig(doc map[string]any) (Config, error) {
	cfg := defaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "yaml",
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(doc); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// loadConfig reads, overrides, validates and decodes the configuration. The
// validation result is returned even when it carries errors.
func loadConfig(path string, explicit bool, v *validation.JSONSchemaValidator, getenv func(string) string) (Config, *schema.ValidationResult, error) {
	doc, err := readDocument(path, explicit)
	if err != nil {
		return Config{}, nil, err
	}
	if err := applyEnv(doc, getenv); err != nil {
		return Config{}, nil, err
	}

	result := v.ValidateConfig(doc)
	if !result.Valid() {
		return Config{}, result, result.ToError()
	}

	cfg, err := decodeConfig(doc)
	if err != nil {
		return Config{}, result, err
	}
	return cfg, result, nil
}

// resolveConfigPath picks the config path from the flag, then BULWARK_CONFIG,
// then the default location. explicit is false only for the default.
func resolveConfigPath(flag string, getenv func(string) string) (path string, explicit bool) {
	if flag != "" {
		return flag, true
	}
	if env := getenv("BULWARK_CONFIG"); env != "" {
		return env, true
	}
	return defaultConfigPath(), false
}

// loadPolicies returns the recovery policies: the policies file when one is
// configured, the inline block otherwise.
func loadPolicies(cfg Config) (map[string]recovery.Policy, error) {
	raw := cfg.Policies
	if cfg.PoliciesFile != "" {
		var err error
		raw, err = readPolicyFile(cfg.PoliciesFile)
		if err != nil && !errors.Is(err, errEmptyPolicyFile) {
			return nil, err
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return decodePolicies(raw)
}

// errEmptyPolicyFile marks a policies file with no content. Editors often
// truncate before writing, so a reload treats it as a partial write; "{}"
// clears the policies explicitly.
var errEmptyPolicyFile = errors.New("policies file is empty")

func readPolicyFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("read policies %s: %w", path, errEmptyPolicyFile)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policies %s: %w", path, err)
	}
	return raw, nil
}

func decodePolicies(raw map[string]any) (map[string]recovery.Policy, error) {
	if issues := validation.PolicyIssues(raw); !issues.Valid() {
		return nil, issues.ToError()
	}
	return recovery.DecodePolicies(raw)
}

// diffPolicies lists the workflow types whose policy was added, removed or
// changed, sorted.
func diffPolicies(old, next map[string]recovery.Policy) []string {
	var changed []string
	for wfType, p := range next {
		if prev, ok := old[wfType]; !ok || !reflect.DeepEqual(prev, p) {
			changed = append(changed, wfType)
		}
	}
	for wfType := range old {
		if _, ok := next[wfType]; !ok {
			changed = append(changed, wfType)
		}
	}
	sort.Strings(changed)
	return changed
}

func formatIssues(issues []schema.ValidationIssue) string {
	var b strings.Builder
	for _, issue := range issues {
		fmt.Fprintf(&b, "  %s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
	}
	return b.String()
}
