package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(256<<20), cfg.BatchBudget())
	assert.Equal(t, uint32(2), cfg.FramesInFlight)
	assert.Equal(t, uint32(128), cfg.Descriptors.MaxSets)
	assert.Equal(t, uint32(64), cfg.Descriptors.UniformBuffers)
	assert.Equal(t, uint32(128), cfg.Descriptors.CombinedImageSamplers)
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
log_level = "debug"
driver = "software"
frames_in_flight = 3

[queue]
background_drain = true
drain_interval = "250us"

[acceleration]
batch_budget_mib = 64
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint32(3), cfg.FramesInFlight)
	assert.True(t, cfg.Queue.BackgroundDrain)
	assert.Equal(t, 250*time.Microsecond, cfg.Queue.DrainInterval.Duration)
	assert.Equal(t, uint64(64<<20), cfg.BatchBudget())
	// untouched sections keep their defaults
	assert.Equal(t, uint32(128), cfg.Descriptors.MaxSets)
	assert.Equal(t, 10*time.Second, cfg.Queue.FenceTimeout.Duration)
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"driver":    `driver = "metal"`,
		"level":     `log_level = "chatty"`,
		"frames":    `frames_in_flight = 0`,
		"budget":    "[acceleration]\nbatch_budget_mib = 0",
		"duration":  "[queue]\ndrain_interval = \"soon\"",
		"malformed": `driver = `,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestConfigRoundTripsThroughToml(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = DriverVulkan
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `driver = 'vulkan'`) || strings.Contains(string(data), `driver = "vulkan"`))

	back, err := ParseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestLogLevels(t *testing.T) {
	for _, lvl := range []LogLevel{DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel} {
		parsed, err := ParseLogLevel(strings.ToUpper(lvl.String()))
		require.NoError(t, err)
		assert.Equal(t, lvl, parsed)
	}

	prev := GetLogLevel()
	defer SetLogLevel(prev)
	SetLogLevel(WarnLevel)
	assert.Equal(t, WarnLevel, GetLogLevel())
}

func TestResourceNames(t *testing.T) {
	a := NewResourceName("buffer")
	b := NewResourceName("buffer")
	assert.True(t, strings.HasPrefix(a, "buffer-"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, "mesh", NameOr("mesh", "buffer"))
	assert.True(t, strings.HasPrefix(NameOr("", "image"), "image-"))
}

func TestErrorClasses(t *testing.T) {
	wrapped := errors.Wrap(ErrAllocationFailed, "vertex buffer")
	assert.True(t, IsRecoverable(wrapped))
	assert.False(t, IsRecoverable(errors.Wrap(ErrNoCompatibleMemory, "vertex buffer")))
}

func TestClock(t *testing.T) {
	c := NewClock()
	c.Update()
	assert.Zero(t, c.Elapsed())

	c.Start()
	time.Sleep(time.Millisecond)
	c.Update()
	first := c.Elapsed()
	assert.Greater(t, first, time.Duration(0))

	c.Stop()
	time.Sleep(time.Millisecond)
	c.Update()
	assert.Equal(t, first, c.Elapsed())
}

func TestConfigWatcherReloads(t *testing.T) {
	prev := GetLogLevel()
	defer SetLogLevel(prev)

	dir := t.TempDir()
	path := filepath.Join(dir, "chronicle.toml")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "info"`), 0o644))

	initial, err := LoadConfig(path)
	require.NoError(t, err)

	w, err := NewConfigWatcher(path, initial)
	require.NoError(t, err)
	defer w.Close()

	reloaded := make(chan *Config, 64)
	w.Subscribe(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("log_level = \"error\"\nframes_in_flight = 4\n"), 0o644))

	// A write can surface as several events, some of which observe a
	// truncated file, so wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.LogLevel != "error" {
				continue
			}
			assert.Equal(t, uint32(4), cfg.FramesInFlight)
			assert.Equal(t, ErrorLevel, GetLogLevel())
			assert.Equal(t, "error", w.Current().LogLevel)
			return
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
