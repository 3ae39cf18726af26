package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App        `json:"app"        toml:"app"`
		HTTP       `json:"http"       toml:"http"`
		DB         `json:"db"         toml:"db"`
		Ledger     `json:"ledger"     toml:"ledger"`
		Reconciler `json:"reconciler" toml:"reconciler"`
		Log        `json:"logger"     toml:"logger"`
	}

	App struct {
		Name        string `json:"name"        toml:"name"        env:"APP_NAME"`
		Environment string `json:"environment" toml:"environment" env:"ENV_NAME" env-default:"dev"`
		Debug       bool   `json:"debug"       toml:"debug"       env:"DEBUG"    env-default:"false"`
	}

	HTTP struct {
		Port string `json:"port" toml:"port" env:"HTTP_PORT" env-default:"8080"`
	}

	DB struct {
		DatabaseURL       string `json:"database_url"        toml:"database_url"        env:"DATABASE_URL"`
		PoolMax           int32  `json:"pool_max"            toml:"pool_max"            env:"PG_POOL_MAX" env-required:"true"`
		ConnectTimeout    int    `json:"connect_timeout"     toml:"connect_timeout"     env:"PG_POOL_CONN_TIMEOUT" env-default:"5"`
		HealthCheckPeriod int    `json:"health_check_period" toml:"health_check_period" env:"PG_POOL_HEALTHCHECK" env-default:"1"`
	}

	// Ledger describes the external collaborators: the read-only mirror
	// (indexing) service and the token-custody service that owns the keys
	// and performs mints.
	Ledger struct {
		MirrorURL       string `json:"mirror_url"        toml:"mirror_url"        env:"LEDGER_MIRROR_URL" env-default:"https://mainnet-public.mirrornode.hedera.com"`
		TokenServiceURL string `json:"token_service_url" toml:"token_service_url" env:"LEDGER_TOKEN_SERVICE_URL"`
		Network         string `json:"network"           toml:"network"           env:"LEDGER_NETWORK" env-default:"mainnet"`
		TreasuryAccount string `json:"treasury_account"  toml:"treasury_account"  env:"LEDGER_TREASURY_ACCOUNT" env-required:"true"`

		// Payment asset expected on incoming transfers (USDC by default).
		PaymentTokenID       string `json:"payment_token_id"       toml:"payment_token_id"       env:"LEDGER_PAYMENT_TOKEN_ID" env-required:"true"`
		PaymentTokenDecimals int32  `json:"payment_token_decimals" toml:"payment_token_decimals" env:"LEDGER_PAYMENT_TOKEN_DECIMALS" env-default:"6"`

		RequestTimeout int `json:"request_timeout" toml:"request_timeout" env:"LEDGER_REQUEST_TIMEOUT" env-default:"10"`
		PageLimit      int `json:"page_limit"      toml:"page_limit"      env:"LEDGER_PAGE_LIMIT" env-default:"100"`
	}

	Reconciler struct {
		PollInterval      int `json:"poll_interval"       toml:"poll_interval"       env:"RECONCILER_POLL_INTERVAL" env-default:"5"`        // seconds
		MinOrderAge       int `json:"min_order_age"       toml:"min_order_age"       env:"RECONCILER_MIN_ORDER_AGE" env-default:"10"`       // seconds
		ExpiryThreshold   int `json:"expiry_threshold"    toml:"expiry_threshold"    env:"RECONCILER_EXPIRY_THRESHOLD" env-default:"24"`    // hours
		MintRetryInterval int `json:"mint_retry_interval" toml:"mint_retry_interval" env:"RECONCILER_MINT_RETRY_INTERVAL" env-default:"60"` // seconds
		MintMaxAttempts   int `json:"mint_max_attempts"   toml:"mint_max_attempts"   env:"RECONCILER_MINT_MAX_ATTEMPTS" env-default:"5"`

		// Policy knobs left configurable on purpose: strict amount equality
		// and no sender verification are the defaults.
		AcceptOverpayment bool `json:"accept_overpayment" toml:"accept_overpayment" env:"RECONCILER_ACCEPT_OVERPAYMENT" env-default:"false"`
		VerifySender      bool `json:"verify_sender"      toml:"verify_sender"      env:"RECONCILER_VERIFY_SENDER" env-default:"false"`
	}

	Log struct {
		Level slog.Level `json:"level" toml:"level" env:"LOG_LEVEL"`
	}
)

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	_, b, _, _ := runtime.Caller(0)
	basePath := filepath.Dir(b)

	configTomlPath := filepath.Join(basePath, "config.toml")
	err := cleanenv.ReadConfig(configTomlPath, cfg)
	if err != nil {
		configJsonPath := filepath.Join(basePath, "config.json")
		err = cleanenv.ReadConfig(configJsonPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}

	return cfg, nil
}
