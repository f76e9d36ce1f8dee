package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name     string        `env:"ENVTEST_NAME"`
	Port     int           `env:"ENVTEST_PORT"`
	Rate     float64       `env:"ENVTEST_RATE"`
	Enabled  bool          `env:"ENVTEST_ENABLED"`
	Interval time.Duration `env:"ENVTEST_INTERVAL"`

	Nested nestedConfig
}

type nestedConfig struct {
	Limit int `env:"ENVTEST_LIMIT"`
}

func TestLoad_ParsesSupportedTypes(t *testing.T) {
	t.Setenv("ENVTEST_NAME", "alpha")
	t.Setenv("ENVTEST_PORT", "9090")
	t.Setenv("ENVTEST_RATE", "2.5")
	t.Setenv("ENVTEST_ENABLED", "true")
	t.Setenv("ENVTEST_INTERVAL", "1m30s")
	t.Setenv("ENVTEST_LIMIT", "7")

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	require.Equal(t, "alpha", cfg.Name)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 2.5, cfg.Rate)
	require.True(t, cfg.Enabled)
	require.Equal(t, 90*time.Second, cfg.Interval)
	require.Equal(t, 7, cfg.Nested.Limit)
}

func TestLoad_KeepsDefaultsWhenUnset(t *testing.T) {
	cfg := testConfig{Name: "default", Port: 8080}
	require.NoError(t, Load(&cfg))

	require.Equal(t, "default", cfg.Name)
	require.Equal(t, 8080, cfg.Port)
}

func TestLoad_RejectsNonStructPointer(t *testing.T) {
	err := Load("not a struct")
	require.Error(t, err)
	require.IsType(t, ErrNotStructPointer{}, err)
}

func TestLoad_ReportsInvalidValue(t *testing.T) {
	t.Setenv("ENVTEST_PORT", "not-a-number")

	var cfg testConfig
	err := Load(&cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "ENVTEST_PORT", invalid.EnvVar)
}
