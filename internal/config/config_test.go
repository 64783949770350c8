package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, time.Hour, cfg.MarketDefaults.FundingPeriod)
	require.Equal(t, int64(1000), cfg.MarketDefaults.MarginRatioInitial)
	require.Equal(t, int64(625), cfg.MarketDefaults.MarginRatioMaintenance)
	require.Equal(t, int64(20), cfg.Protocol.MaxLeverage)
	require.Equal(t, "perp.engine.events", cfg.NATS.SubjectPrefix)
	require.Empty(t, cfg.Store.DatabaseURL)
	require.Equal(t, ":8080", cfg.Addr())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
engine:
  oracle_max_age: 2m
  fillers:
    - 67WKXSxm4oc149PvQjdXLacKFZpK5DyYdqBwpiVydJbb
market_defaults:
  taker_fee: 2000
`)
	t.Setenv("PERP_ENGINE_MARKET_DEFAULTS_MIN_ORDER_SIZE", "5000")
	t.Setenv("PERP_ENGINE_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 2*time.Minute, cfg.Engine.OracleMaxAge)
	require.Len(t, cfg.Engine.Fillers, 1)
	require.Equal(t, int64(2000), cfg.MarketDefaults.TakerFee)
	require.Equal(t, int64(5000), cfg.MarketDefaults.MinOrderSize)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidMargins(t *testing.T) {
	path := writeConfig(t, `
market_defaults:
  margin_ratio_initial: 500
  margin_ratio_maintenance: 625
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "margin ratios")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
