package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/lending/internal/app"
	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/config"
	"libranexus/lending/internal/store/storetest"
)

func runChaos(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestGameDayInProcess(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "chaos.db"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("MIGRATE_ON_START", "true")

	out, err := runChaos(t, "--contenders", "5", "--reservers", "2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "concurrent-borrow-race")
	assert.Contains(t, out, "return-versus-walk-in")
	assert.NotContains(t, out, `"hypothesis_held": false`)
}

func TestGameDayAgainstServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	t.Setenv("DATABASE_DRIVER", "sqlite3")
	t.Setenv("DATABASE_URL", path)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("MIGRATE_ON_START", "true")

	server := app.New(storetest.OpenAt(t, path), config.Config{}, clock.System(), storetest.Logger())
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	out, err := runChaos(t, "--target", srv.URL, "--contenders", "4", "--reservers", "1")
	require.NoError(t, err, out)
	assert.NotContains(t, out, `"hypothesis_held": false`)
}
