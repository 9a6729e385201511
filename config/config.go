// Package config loads the epochpayd TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"epochpay/core/ledger"
	"epochpay/native/fees"
)

// Config is the on-disk configuration for the epochpayd process.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	AggregatorDB  string `toml:"AggregatorDB"`
	ExportDir     string `toml:"ExportDir"`

	Environment string `toml:"Environment"`
	LogLevel    string `toml:"LogLevel"`
	LogFile     string `toml:"LogFile"`

	// Epoch windows are fixed-length wall-clock intervals; an epoch is closed
	// once its end has passed.
	EpochLengthSeconds int64  `toml:"EpochLengthSeconds"`
	UnitEmission       uint64 `toml:"UnitEmission"`

	AdminAddress       string `toml:"AdminAddress"`
	PublisherAddress   string `toml:"PublisherAddress"`
	TreasuryAddress    string `toml:"TreasuryAddress"`
	CreatorPoolAddress string `toml:"CreatorPoolAddress"`
	CreatorFeeBps      uint16 `toml:"CreatorFeeBps"`

	PublisherPollSeconds int `toml:"PublisherPollSeconds"`
	PublisherMaxAttempts int `toml:"PublisherMaxAttempts"`

	JWTSecret        string `toml:"JWTSecret"`
	PublisherSubject string `toml:"PublisherSubject"`

	// Tiers maps identity hashes to reputation tiers for creator fee scaling.
	Tiers map[string]uint8 `toml:"Tiers"`

	IngestPerMinute float64 `toml:"IngestPerMinute"`
	ClaimsPerMinute float64 `toml:"ClaimsPerMinute"`
	ReadsPerMinute  float64 `toml:"ReadsPerMinute"`
	RateBurst       int     `toml:"RateBurst"`
}

// Load reads the configuration at path, creating a default file first when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8680"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./epochpay-data"
	}
	if strings.TrimSpace(c.AggregatorDB) == "" {
		c.AggregatorDB = filepath.Join(c.DataDir, "aggregator.db")
	}
	if strings.TrimSpace(c.ExportDir) == "" {
		c.ExportDir = filepath.Join(c.DataDir, "exports")
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.EpochLengthSeconds <= 0 {
		c.EpochLengthSeconds = 3600
	}
	if c.UnitEmission == 0 {
		c.UnitEmission = 10_000
	}
	if c.CreatorFeeBps == 0 {
		c.CreatorFeeBps = fees.DefaultCreatorFeeBps
	}
	if c.PublisherPollSeconds <= 0 {
		c.PublisherPollSeconds = 15
	}
	if c.PublisherMaxAttempts <= 0 {
		c.PublisherMaxAttempts = 8
	}
	if strings.TrimSpace(c.PublisherSubject) == "" {
		c.PublisherSubject = "epoch-publisher"
	}
	if c.IngestPerMinute <= 0 {
		c.IngestPerMinute = 600
	}
	if c.ClaimsPerMinute <= 0 {
		c.ClaimsPerMinute = 120
	}
	if c.ReadsPerMinute <= 0 {
		c.ReadsPerMinute = 600
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.CreatorFeeBps > fees.MaxCreatorFeeBps {
		return fmt.Errorf("config: CreatorFeeBps %d exceeds maximum %d", c.CreatorFeeBps, fees.MaxCreatorFeeBps)
	}
	for name, addr := range map[string]string{
		"AdminAddress":       c.AdminAddress,
		"PublisherAddress":   c.PublisherAddress,
		"TreasuryAddress":    c.TreasuryAddress,
		"CreatorPoolAddress": c.CreatorPoolAddress,
	} {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if _, err := ledger.ParseAddress(addr); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if strings.TrimSpace(c.AdminAddress) == "" {
		return fmt.Errorf("config: AdminAddress is required")
	}
	if strings.TrimSpace(c.TreasuryAddress) == "" {
		return fmt.Errorf("config: TreasuryAddress is required")
	}
	return nil
}

// Admin returns the parsed admin address.
func (c *Config) Admin() (ledger.Address, error) {
	return ledger.ParseAddress(c.AdminAddress)
}

// Publisher returns the parsed publisher address, or the admin address when
// no dedicated publisher is configured.
func (c *Config) Publisher() (ledger.Address, error) {
	if strings.TrimSpace(c.PublisherAddress) == "" {
		return c.Admin()
	}
	return ledger.ParseAddress(c.PublisherAddress)
}

// Treasury returns the parsed treasury address.
func (c *Config) Treasury() (ledger.Address, error) {
	return ledger.ParseAddress(c.TreasuryAddress)
}

// CreatorPool returns the parsed creator pool address; the zero address
// disables fee routing.
func (c *Config) CreatorPool() (ledger.Address, error) {
	if strings.TrimSpace(c.CreatorPoolAddress) == "" {
		return ledger.Address{}, nil
	}
	return ledger.ParseAddress(c.CreatorPoolAddress)
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create directory for %s: %w", path, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("config: create default %s: %w", path, err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write default %s: %w", path, err)
	}
	return cfg, nil
}
