package testhelpers

import (
	"time"

	"github.com/mixaill76/keypool/internal/config"
)

// TestMasterKey is the admin key of NewTestConfig.
const TestMasterKey = "sk-test-master"

// NewTestConfig returns a normalized in-memory configuration holding keys.
func NewTestConfig(keys ...string) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			MasterKey:      TestMasterKey,
			PersistTimeout: time.Second,
		},
		Pool:     config.DefaultPoolConfig(),
		Store:    config.StoreConfig{Driver: config.StoreMemory},
		Sessions: config.SessionsConfig{Driver: config.SessionsMemory},
	}
	for _, k := range keys {
		cfg.Credentials = append(cfg.Credentials, config.CredentialConfig{APIKey: k})
	}
	cfg.Normalize()
	return cfg
}
