package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore map[string]string

func (m memStore) GetString(key string) (string, error) { return m[key], nil }
func (m memStore) SetString(key, value string) error    { m[key] = value; return nil }

func (m memStore) GetStringList(key string) ([]string, error) {
	if m[key] == "" {
		return nil, nil
	}
	return strings.Split(m[key], ","), nil
}

func (m memStore) SetStringList(key string, list []string) error {
	m[key] = strings.Join(list, ",")
	return nil
}

func TestConfigManager_Defaults(t *testing.T) {
	c := NewConfigManager(memStore{})
	assert.Equal(t, Defaults(), c.Load())
}

func TestConfigManager_Clamping(t *testing.T) {
	store := memStore{}
	c := NewConfigManager(store)

	require.NoError(t, c.SetMaxParallel(50))
	assert.Equal(t, 10, c.GetMaxParallel())
	assert.Equal(t, "10", store[KeyMaxParallel])

	store[KeyMaxParallel] = "0"
	assert.Equal(t, 1, c.GetMaxParallel())

	store[KeyRangedWorkers] = "64"
	assert.Equal(t, 16, c.GetRangedWorkers())

	store[KeySegmentWorkers] = "not-a-number"
	assert.Equal(t, Defaults().SegmentWorkers, c.GetSegmentWorkers())

	store[KeyBandwidthLimit] = "-5"
	assert.Equal(t, 0, c.GetBandwidthLimit())
}

func TestConfigManager_SaveLoad(t *testing.T) {
	c := NewConfigManager(memStore{})
	want := Settings{
		MaxParallel:         3,
		RangedEnabled:       false,
		RangedWorkers:       8,
		SegmentedConcurrent: false,
		SegmentWorkers:      5,
		BandwidthLimit:      1 << 20,
		UserAgent:           "custom/1.0",
		BlockedHosts:        []string{"ads.example.com", "tracker.test"},
	}
	require.NoError(t, c.Save(want))
	assert.Equal(t, want, c.Load())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_parallel: 4\nranged_enabled: false\nblocked_hosts: [bad.example]\n"), 0644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, s.MaxParallel)
	assert.False(t, s.RangedEnabled)
	assert.Equal(t, []string{"bad.example"}, s.BlockedHosts)
	assert.Equal(t, Defaults().SegmentWorkers, s.SegmentWorkers)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
