package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const validConfig = `
ListenAddress = ":9000"
DataDir = "/tmp/epochpay-test"
AdminAddress = "0xadadadadadadadadadadadadadadadadadadadad"
TreasuryAddress = "0x7777777777777777777777777777777777777777"
CreatorPoolAddress = "0xc0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0"
CreatorFeeBps = 25
EpochLengthSeconds = 60
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epochpay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, filepath.Join("/tmp/epochpay-test", "aggregator.db"), cfg.AggregatorDB)
	require.Equal(t, uint64(10_000), cfg.UnitEmission)
	require.Equal(t, "epoch-publisher", cfg.PublisherSubject)
	require.Equal(t, int64(60), cfg.EpochLengthSeconds)
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochpay.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ListenAddress)
	_, err = os.Stat(path)
	require.NoError(t, err, "default file should be written")
}

func TestValidateRejectsBadAddress(t *testing.T) {
	body := strings.Replace(validConfig, "0xadadadadadadadadadadadadadadadadadadadad", "not-an-address", 1)
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestValidateRequiresAdmin(t *testing.T) {
	body := strings.Replace(validConfig, "AdminAddress = \"0xadadadadadadadadadadadadadadadadadadadad\"\n", "", 1)
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestValidateRejectsExcessiveFee(t *testing.T) {
	body := strings.Replace(validConfig, "CreatorFeeBps = 25", "CreatorFeeBps = 2000", 1)
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
}

func TestPublisherFallsBackToAdmin(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	admin, err := cfg.Admin()
	require.NoError(t, err)
	publisher, err := cfg.Publisher()
	require.NoError(t, err)
	require.Equal(t, admin, publisher)
}
