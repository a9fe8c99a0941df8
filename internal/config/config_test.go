package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libar-dev/libar-platform/internal/idgen"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.toml"), map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	cfg, err := LoadWithEnv("testdata/libar.toml", map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/libar/events.db", cfg.Store.Path)
	assert.Equal(t, 7, cfg.DCB.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.DCB.InitialBackoff)
	assert.Equal(t, 3.0, cfg.DCB.BackoffBase)
	assert.Equal(t, 5*time.Second, cfg.DCB.MaxBackoff)
	assert.Equal(t, 8, cfg.WorkQueue.Parallelism)
	assert.Equal(t, 4, cfg.WorkQueue.MaxActionAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
	assert.Equal(t, 500, cfg.Engine.BatchSize)
	assert.Equal(t, 5, cfg.Engine.FailureThreshold, "unset keys keep their default")
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATSURL)
	assert.Equal(t, "acme", cfg.Events.SubjectPrefix)
	assert.Equal(t, "orders-api", cfg.Telemetry.ServiceName)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, idgen.ReservationHash, cfg.IDs.Strategy())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	cfg, err := LoadWithEnv("testdata/libar.toml", map[string]string{
		"LIBAR_DB_PATH":               "/tmp/override.db",
		"LIBAR_NATS_URL":              "nats://bus:4222",
		"LIBAR_DCB_MAX_ATTEMPTS":      "3",
		"LIBAR_DCB_INITIAL_BACKOFF":   "10ms",
		"LIBAR_DCB_MAX_BACKOFF":       "1s",
		"LIBAR_LOG_LEVEL":             "warn",
		"LIBAR_LOG_FORMAT":            "text",
		"LIBAR_OTEL_ENDPOINT":         "",
		"LIBAR_WORKQUEUE_PARALLELISM": "2",
		"LIBAR_ENGINE_POLL_INTERVAL":  "2s",
		"LIBAR_ID_STRATEGY":           "uuid",
	})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.Equal(t, "nats://bus:4222", cfg.Events.NATSURL)
	assert.Equal(t, 3, cfg.DCB.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.DCB.InitialBackoff)
	assert.Equal(t, time.Second, cfg.DCB.MaxBackoff)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 2, cfg.WorkQueue.Parallelism)
	assert.Equal(t, 2*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, idgen.ReservationUUID, cfg.IDs.Strategy())
	assert.Equal(t, 3.0, cfg.DCB.BackoffBase, "file value without an env binding survives")
}

func TestLoad_BadEnvValue(t *testing.T) {
	_, err := LoadWithEnv("", map[string]string{"LIBAR_DCB_MAX_ATTEMPTS": "many"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libar.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\npoll_intervall = \"1s\"\n"), 0o644))

	_, err := LoadWithEnv(path, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.poll_intervall")
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libar.toml")
	require.NoError(t, os.WriteFile(path, []byte("[dcb\n"), 0o644))

	_, err := LoadWithEnv(path, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestValidate_CollectsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = ""
	cfg.DCB.MaxAttempts = 0
	cfg.DCB.MaxBackoff = time.Millisecond
	cfg.Engine.BatchSize = 0
	cfg.Log.Level = "verbose"
	cfg.IDs.ReservationStrategy = "sequential"

	err := cfg.Validate()
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	fields := make([]string, len(verrs))
	for i, v := range verrs {
		fields[i] = v.Field
	}
	assert.Equal(t, []string{
		"store.path",
		"dcb.max_attempts",
		"dcb.max_backoff",
		"engine.batch_size",
		"log.level",
		"ids.reservation_strategy",
	}, fields)
	assert.Contains(t, err.Error(), "store.path: must not be empty; ")
}

func TestValidate_SubjectPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.NATSURL = "nats://localhost:4222"
	cfg.Events.SubjectPrefix = "libar.>"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events.subject_prefix")
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DCB.InitialBackoff = 20 * time.Millisecond
	cfg.WorkQueue.MaxActionAttempts = 6

	b := cfg.DCB.Backoff()
	assert.Equal(t, 20*time.Millisecond, b.Initial)
	assert.Equal(t, cfg.DCB.MaxBackoff, b.Max)

	p := cfg.WorkQueue.RetryPolicy()
	assert.Equal(t, 6, p.MaxAttempts)
	assert.Equal(t, cfg.WorkQueue.ActionBackoff, p.InitialBackoff)

	tr := cfg.Telemetry.Tracing()
	assert.Empty(t, tr.Endpoint)
	assert.Equal(t, "libar", tr.ServiceName)
}
