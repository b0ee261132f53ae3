package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr              = ":8080"
	DefaultBroadcastInterval = 5 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "disable"
	DefaultTokenTTL          = 24 * time.Hour
	DefaultInitialCharge     = 1000
)

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.BroadcastInterval == 0 {
		c.Server.BroadcastInterval = DefaultBroadcastInterval
	}

	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}

	if c.Market.InitialCharge == 0 {
		c.Market.InitialCharge = DefaultInitialCharge
	}
}
