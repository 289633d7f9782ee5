package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Keys for AppSettings in DB
const (
	KeyMaxParallel         = "max_parallel"
	KeyRangedEnabled       = "ranged_enabled"
	KeyRangedWorkers       = "ranged_workers"
	KeySegmentedConcurrent = "segmented_concurrent"
	KeySegmentWorkers      = "segment_workers"
	KeyBandwidthLimit      = "bandwidth_limit"
	KeyUserAgent           = "user_agent"
	KeyBlockedHosts        = "blocked_hosts"
)

// Store is the key/value backend, satisfied by *storage.Storage
type Store interface {
	GetString(key string) (string, error)
	SetString(key, value string) error
	GetStringList(key string) ([]string, error)
	SetStringList(key string, list []string) error
}

// Settings is a snapshot of every tunable
type Settings struct {
	MaxParallel         int    `yaml:"max_parallel"`
	RangedEnabled       bool   `yaml:"ranged_enabled"`
	RangedWorkers       int    `yaml:"ranged_workers"`
	SegmentedConcurrent bool   `yaml:"segmented_concurrent"`
	SegmentWorkers      int    `yaml:"segment_workers"`
	BandwidthLimit      int    `yaml:"bandwidth_limit"` // bytes/sec, 0 = unlimited
	UserAgent           string `yaml:"user_agent"`
	// BlockedHosts rejects downloads from these hosts and their subdomains
	BlockedHosts []string `yaml:"blocked_hosts"`
}

// Defaults mirrors the values used when nothing is stored
func Defaults() Settings {
	return Settings{
		MaxParallel:         2,
		RangedEnabled:       true,
		RangedWorkers:       4,
		SegmentedConcurrent: true,
		SegmentWorkers:      10,
	}
}

type ConfigManager struct {
	store Store
}

func NewConfigManager(s Store) *ConfigManager {
	return &ConfigManager{store: s}
}

func (c *ConfigManager) getInt(key string, def int) int {
	valStr, err := c.store.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return def
	}
	return val
}

func (c *ConfigManager) getBool(key string, def bool) bool {
	val, err := c.store.GetString(key)
	if err != nil || val == "" {
		return def
	}
	return val == "true"
}

func (c *ConfigManager) setBool(key string, v bool) error {
	return c.store.SetString(key, strconv.FormatBool(v))
}

// GetMaxParallel is clamped to 1..10
func (c *ConfigManager) GetMaxParallel() int {
	return clamp(c.getInt(KeyMaxParallel, Defaults().MaxParallel), 1, 10)
}

func (c *ConfigManager) SetMaxParallel(n int) error {
	return c.store.SetString(KeyMaxParallel, strconv.Itoa(clamp(n, 1, 10)))
}

func (c *ConfigManager) GetRangedEnabled() bool {
	return c.getBool(KeyRangedEnabled, Defaults().RangedEnabled)
}

func (c *ConfigManager) SetRangedEnabled(enabled bool) error {
	return c.setBool(KeyRangedEnabled, enabled)
}

func (c *ConfigManager) GetRangedWorkers() int {
	return clamp(c.getInt(KeyRangedWorkers, Defaults().RangedWorkers), 2, 16)
}

func (c *ConfigManager) SetRangedWorkers(n int) error {
	return c.store.SetString(KeyRangedWorkers, strconv.Itoa(n))
}

func (c *ConfigManager) GetSegmentedConcurrent() bool {
	return c.getBool(KeySegmentedConcurrent, Defaults().SegmentedConcurrent)
}

func (c *ConfigManager) SetSegmentedConcurrent(enabled bool) error {
	return c.setBool(KeySegmentedConcurrent, enabled)
}

func (c *ConfigManager) GetSegmentWorkers() int {
	return clamp(c.getInt(KeySegmentWorkers, Defaults().SegmentWorkers), 1, 32)
}

func (c *ConfigManager) SetSegmentWorkers(n int) error {
	return c.store.SetString(KeySegmentWorkers, strconv.Itoa(n))
}

func (c *ConfigManager) GetBandwidthLimit() int {
	v := c.getInt(KeyBandwidthLimit, 0)
	if v < 0 {
		return 0
	}
	return v
}

func (c *ConfigManager) SetBandwidthLimit(bytesPerSec int) error {
	return c.store.SetString(KeyBandwidthLimit, strconv.Itoa(bytesPerSec))
}

func (c *ConfigManager) GetUserAgent() string {
	val, _ := c.store.GetString(KeyUserAgent)
	return val
}

func (c *ConfigManager) SetUserAgent(ua string) error {
	return c.store.SetString(KeyUserAgent, ua)
}

func (c *ConfigManager) GetBlockedHosts() []string {
	list, err := c.store.GetStringList(KeyBlockedHosts)
	if err != nil || len(list) == 0 {
		return nil
	}
	return list
}

func (c *ConfigManager) SetBlockedHosts(hosts []string) error {
	return c.store.SetStringList(KeyBlockedHosts, hosts)
}

// Load returns the current settings snapshot
func (c *ConfigManager) Load() Settings {
	return Settings{
		MaxParallel:         c.GetMaxParallel(),
		RangedEnabled:       c.GetRangedEnabled(),
		RangedWorkers:       c.GetRangedWorkers(),
		SegmentedConcurrent: c.GetSegmentedConcurrent(),
		SegmentWorkers:      c.GetSegmentWorkers(),
		BandwidthLimit:      c.GetBandwidthLimit(),
		UserAgent:           c.GetUserAgent(),
		BlockedHosts:        c.GetBlockedHosts(),
	}
}

// Save persists every field of s
func (c *ConfigManager) Save(s Settings) error {
	steps := []func() error{
		func() error { return c.SetMaxParallel(s.MaxParallel) },
		func() error { return c.SetRangedEnabled(s.RangedEnabled) },
		func() error { return c.SetRangedWorkers(s.RangedWorkers) },
		func() error { return c.SetSegmentedConcurrent(s.SegmentedConcurrent) },
		func() error { return c.SetSegmentWorkers(s.SegmentWorkers) },
		func() error { return c.SetBandwidthLimit(s.BandwidthLimit) },
		func() error { return c.SetUserAgent(s.UserAgent) },
		func() error { return c.SetBlockedHosts(s.BlockedHosts) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads a YAML settings file on top of Defaults
func LoadFile(path string) (Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings file: %w", err)
	}
	return s, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
