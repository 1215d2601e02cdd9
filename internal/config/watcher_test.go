package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcherRequiresCollaborators(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{OnChange: func(*Config, error) {}})
	assert.Error(t, err)

	_, err = NewWatcher(WatcherConfig{Loader: NewLoader(filepath.Join(t.TempDir(), "c.json"))})
	assert.Error(t, err)
}

func TestWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"ai": {"profiles": [{"id": "a", "api_key": "k"}]}}`), 0644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Loader:             newTestLoader(configPath, nil),
		StabilityThreshold: 20 * time.Millisecond,
		OnChange: func(cfg *Config, err error) {
			if err == nil {
				changes <- cfg
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0644))

	updated := `{"ai": {"profiles": [{"id": "a", "api_key": "k"}]}, "agent": {"max_rounds": 7}}`
	require.NoError(t, os.WriteFile(configPath, []byte(updated), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 7, cfg.Agent.MaxRounds)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not reported")
	}
}

func TestWatcherReportsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0644))

	errs := make(chan error, 4)
	w, err := NewWatcher(WatcherConfig{
		Loader:             newTestLoader(configPath, nil),
		StabilityThreshold: 20 * time.Millisecond,
		OnChange:           func(_ *Config, err error) { errs <- err },
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`not json`), 0644))

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not reported")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	w, err := NewWatcher(WatcherConfig{
		Loader:   newTestLoader(configPath, nil),
		OnChange: func(*Config, error) {},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, w.Stop())
	// fsnotify tolerates a second Close.
	assert.NotPanics(t, func() { _ = w.Stop() })
}
