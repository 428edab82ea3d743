package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentConfig models deployment.yaml, written when the relief fund
// contract is deployed.
type DeploymentConfig struct {
	ChainID   int64  `yaml:"chainId"`
	Sender    string `yaml:"sender"`
	Contracts struct {
		ReliefFund string `yaml:"reliefFund"`
	} `yaml:"contracts"`
	Gas struct {
		Limit    uint64 `yaml:"limit"`
		PriceWei string `yaml:"priceWei"`
	} `yaml:"gas"`
	NativeDecimals        int32 `yaml:"nativeDecimals"`
	ConfirmTimeoutSeconds int   `yaml:"confirmTimeoutSeconds"`
}

// AppConfig ties together deployment info, environment and derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Payments   PaymentsConfig
	Storage    StorageConfig
	Reconcile  ReconcileConfig
}

type ServiceConfig struct {
	Name                 string
	Env                  string
	HTTPPort             int
	ShutdownTimeout      time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
}

type ChainConfig struct {
	RPCURL          string
	PrivateKey      string
	SenderAddress   string
	ContractAddress string
	ChainID         int64
	GasLimit        uint64
	GasPrice        *big.Int // wei
	NativeDecimals  int32
	ConfirmTimeout  time.Duration
}

// Enabled reports whether a signing key is configured. Without one the
// service runs against a simulated chain.
func (c ChainConfig) Enabled() bool {
	return c.PrivateKey != ""
}

type PaymentsConfig struct {
	StripeSecretKey string
	StripeAPIURL    string
	Currency        string
	Description     string
}

const (
	LedgerMemory   = "memory"
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
	LedgerDynamoDB = "dynamodb"
)

type StorageConfig struct {
	LedgerBackend  string
	LedgerFilePath string
	DynamoDBTable  string
	DatabaseURL    string
}

type ReconcileConfig struct {
	Dir      string
	S3Bucket string
	S3Prefix string
}

const defaultDeploymentPath = "deployment.yaml"

// Load aggregates configuration from disk and environment. Environment
// values win over the deployment file.
func Load() (*AppConfig, error) {
	deployPath, explicit := os.LookupEnv("DEPLOYMENT_PATH")
	if !explicit || deployPath == "" {
		deployPath = defaultDeploymentPath
	}
	deployCfg, err := loadDeployment(deployPath, explicit)
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}

	serviceCfg := ServiceConfig{
		Name:                 envOr("SERVICE_NAME", "relieffund-api"),
		Env:                  envOr("APP_ENV", "development"),
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		ShutdownTimeout:      seconds(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)),
		IdempotencyWindow:    seconds(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "relieffund-idem.json")),
	}

	gasPrice, err := parseWei(envOr("CHAIN_GAS_PRICE_WEI", deployCfg.Gas.PriceWei))
	if err != nil {
		return nil, fmt.Errorf("CHAIN_GAS_PRICE_WEI: %w", err)
	}
	chainCfg := ChainConfig{
		RPCURL:          envOr("CHAIN_RPC_URL", "http://127.0.0.1:8545"),
		PrivateKey:      envOr("CHAIN_PRIVATE_KEY", ""),
		SenderAddress:   envOr("CHAIN_SENDER_ADDRESS", deployCfg.Sender),
		ContractAddress: envOr("CHAIN_CONTRACT_ADDRESS", deployCfg.Contracts.ReliefFund),
		ChainID:         deployCfg.ChainID,
		GasLimit:        uint64(envOrInt("CHAIN_GAS_LIMIT", int(deployCfg.Gas.Limit))),
		GasPrice:        gasPrice,
		NativeDecimals:  deployCfg.NativeDecimals,
		ConfirmTimeout:  seconds(envOrInt("CHAIN_CONFIRM_TIMEOUT_SECONDS", deployCfg.ConfirmTimeoutSeconds)),
	}

	paymentsCfg := PaymentsConfig{
		StripeSecretKey: envOr("STRIPE_SECRET_KEY", ""),
		StripeAPIURL:    envOr("STRIPE_API_URL", ""),
		Currency:        strings.ToLower(envOr("PAYMENT_CURRENCY", "usd")),
		Description:     envOr("PAYMENT_DESCRIPTION", "Disaster Relief Fund Donation"),
	}

	storageCfg := StorageConfig{
		LedgerBackend:  strings.ToLower(envOr("LEDGER_BACKEND", LedgerFile)),
		LedgerFilePath: envOr("LEDGER_FILE_PATH", filepath.Join(os.TempDir(), "relieffund-donations.jsonl")),
		DynamoDBTable:  envOr("LEDGER_DYNAMODB_TABLE", ""),
		DatabaseURL:    envOr("DATABASE_URL", ""),
	}

	reconcileCfg := ReconcileConfig{
		Dir:      envOr("RECONCILE_DIR", filepath.Join(os.TempDir(), "relieffund-reconcile")),
		S3Bucket: envOr("RECONCILE_S3_BUCKET", ""),
		S3Prefix: envOr("RECONCILE_S3_PREFIX", "reconcile"),
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Payments:   paymentsCfg,
		Storage:    storageCfg,
		Reconcile:  reconcileCfg,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.Storage.LedgerBackend {
	case LedgerMemory, LedgerFile:
	case LedgerPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("LEDGER_BACKEND=postgres requires DATABASE_URL")
		}
	case LedgerDynamoDB:
		if c.Storage.DynamoDBTable == "" {
			return errors.New("LEDGER_BACKEND=dynamodb requires LEDGER_DYNAMODB_TABLE")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Storage.LedgerBackend)
	}
	if c.Chain.Enabled() && c.Chain.ContractAddress == "" {
		return errors.New("CHAIN_PRIVATE_KEY is set but no contract address is configured")
	}
	if c.Service.HTTPPort <= 0 {
		return fmt.Errorf("invalid API_HTTP_PORT %d", c.Service.HTTPPort)
	}
	return nil
}

// loadDeployment reads path. A missing file is only an error when the path
// was given explicitly.
func loadDeployment(path string, required bool) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseWei returns nil for an empty value so downstream defaults apply.
func parseWei(val string) (*big.Int, error) {
	if val == "" {
		return nil, nil
	}
	wei, ok := new(big.Int).SetString(val, 10)
	if !ok || wei.Sign() <= 0 {
		return nil, fmt.Errorf("invalid wei amount %q", val)
	}
	return wei, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
