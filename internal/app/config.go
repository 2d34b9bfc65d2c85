package app

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nodepool/marketplace/internal/pkg/envutil"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/scheduler"
)

// Config is assembled from the environment, in the teacher's style of
// explicit env-var getters with logged fallbacks rather than a flag parser.
// applyPolicyFile layers an optional YAML file on top for the handful of
// settings an operator tunes as a unit.
type Config struct {
	Env  string
	Addr string

	StoreDriver string // "memory" or "postgres"
	PostgresDSN string

	RedisAddr string
	RedisDB   int

	HeartbeatTimeout     time.Duration
	DefaultMaxConcurrent int
	DefaultMaxRetries    int

	Scheduler scheduler.Config

	SettlementWorkers int

	// AdminPassphraseHash is a bcrypt hash: either supplied directly via
	// MARKETPLACE_ADMIN_PASSPHRASE_HASH, or derived at startup from the
	// plaintext MARKETPLACE_ADMIN_PASSPHRASE fallback for local development.
	AdminPassphraseHash string
	AdminJWTSecret      string
}

func LoadConfig(log *logger.Logger) Config {
	cfg := baseConfig(log)
	if path := envutil.GetString("MARKETPLACE_POLICY_FILE", "", log); path != "" {
		if err := applyPolicyFile(&cfg, path); err != nil {
			log.Warn("failed to load policy file, keeping env/defaults", "path", path, "error", err)
		}
	}
	return cfg
}

func baseConfig(log *logger.Logger) Config {
	hash := envutil.GetString("MARKETPLACE_ADMIN_PASSPHRASE_HASH", "", log)
	if hash == "" {
		plaintext := envutil.GetString("MARKETPLACE_ADMIN_PASSPHRASE", "change-me", log)
		generated, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
		if err != nil {
			log.Warn("failed to hash admin passphrase, admin endpoints will reject all logins", "error", err)
		} else {
			hash = string(generated)
		}
	}
	return Config{
		Env:  envutil.GetString("MARKETPLACE_ENV", "development", log),
		Addr: envutil.GetString("MARKETPLACE_ADDR", ":8080", log),

		StoreDriver: envutil.GetString("MARKETPLACE_STORE_DRIVER", "memory", log),
		PostgresDSN: envutil.GetString("MARKETPLACE_POSTGRES_DSN", "", log),

		RedisAddr: envutil.GetString("MARKETPLACE_REDIS_ADDR", "", log),
		RedisDB:   envutil.GetInt("MARKETPLACE_REDIS_DB", 0, log),

		HeartbeatTimeout:     envutil.GetDuration("MARKETPLACE_HEARTBEAT_TIMEOUT", 60*time.Second, log),
		DefaultMaxConcurrent: envutil.GetInt("MARKETPLACE_DEFAULT_MAX_CONCURRENT", 2, log),
		DefaultMaxRetries:    envutil.GetInt("MARKETPLACE_DEFAULT_MAX_RETRIES", 3, log),

		Scheduler: scheduler.Config{
			TimeoutBuffer:     envutil.GetFloat("MARKETPLACE_TIMEOUT_BUFFER", scheduler.DefaultTimeoutBuffer, log),
			RebalanceInterval: envutil.GetDuration("MARKETPLACE_REBALANCE_INTERVAL", scheduler.DefaultRebalanceInterval, log),
		},

		SettlementWorkers: envutil.GetInt("MARKETPLACE_SETTLEMENT_WORKERS", 4, log),

		AdminPassphraseHash: hash,
		AdminJWTSecret:      envutil.GetString("MARKETPLACE_ADMIN_JWT_SECRET", "change-me-too", log),
	}
}
