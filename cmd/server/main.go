package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"relieffund/internal/chain"
	"relieffund/internal/config"
	"relieffund/internal/idempotency"
	"relieffund/internal/ledger"
	"relieffund/internal/logging"
	"relieffund/internal/metrics"
	"relieffund/internal/payments"
	"relieffund/internal/pgstore"
	"relieffund/internal/reconcile"
	"relieffund/internal/relief"
	"relieffund/internal/server"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.MustNewLogger("relieffund-api", "unknown")
		boot.Fatal("config_error", zap.Error(err))
	}

	logger := logging.MustNewLogger(cfg.Service.Name, cfg.Service.Env)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.Storage.DatabaseURL != "" {
		pool, err = pgstore.Connect(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres_connect_failed", zap.Error(err))
		}
		defer pool.Close()
		version, err := pgstore.Migrate(ctx, pool)
		if err != nil {
			logger.Fatal("postgres_migrate_failed", zap.Error(err))
		}
		logger.Info("postgres_ready", zap.Int64("schema_version", version))
	}

	var awsCfg *aws.Config
	loadAWS := func() aws.Config {
		if awsCfg == nil {
			c, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				logger.Fatal("aws_config_failed", zap.Error(err))
			}
			awsCfg = &c
		}
		return *awsCfg
	}

	donations, err := buildLedger(cfg.Storage, pool, loadAWS)
	if err != nil {
		logger.Fatal("ledger_init_failed", zap.String("backend", cfg.Storage.LedgerBackend), zap.Error(err))
	}
	logger.Info("ledger_ready", zap.String("backend", cfg.Storage.LedgerBackend))

	store, err := buildIdempotencyStore(ctx, cfg.Service, pool, logger)
	if err != nil {
		logger.Fatal("idempotency_store_failed", zap.Error(err))
	}

	sink, depth, err := buildReconcile(cfg.Reconcile, loadAWS)
	if err != nil {
		logger.Fatal("reconcile_init_failed", zap.Error(err))
	}

	var gateway payments.Gateway = payments.FakeGateway{}
	if cfg.Payments.StripeSecretKey != "" {
		gateway, err = payments.NewStripeGateway(payments.StripeConfig{
			SecretKey: cfg.Payments.StripeSecretKey,
			APIURL:    cfg.Payments.StripeAPIURL,
		})
		if err != nil {
			logger.Fatal("stripe_init_failed", zap.Error(err))
		}
	} else {
		logger.Warn("payments_simulated", zap.String("reason", "STRIPE_SECRET_KEY not set"))
	}

	var submitter chain.Submitter = chain.FakeSubmitter{}
	var rpcHealth func(context.Context) error
	if cfg.Chain.Enabled() {
		eth, err := chain.NewEthSubmitter(ctx, chain.EthSubmitterConfig{
			RPCURL:          cfg.Chain.RPCURL,
			PrivateKeyHex:   cfg.Chain.PrivateKey,
			ContractAddress: cfg.Chain.ContractAddress,
			SenderAddress:   cfg.Chain.SenderAddress,
		})
		if err != nil {
			logger.Fatal("chain_init_failed", zap.Error(err))
		}
		defer eth.Close()
		logger.Info("chain_ready",
			zap.String("sender", eth.Sender()),
			zap.String("contract", cfg.Chain.ContractAddress),
			zap.String("chain_id", eth.ChainID().String()),
		)
		submitter = eth
		rpcHealth = eth.Ping
	} else {
		logger.Warn("chain_simulated", zap.String("reason", "CHAIN_PRIVATE_KEY not set"))
	}

	reg := metrics.New()
	if n, err := depth(); err == nil {
		reg.SetReconcileDepth(n)
	}

	deps := relief.Deps{
		Gateway:   gateway,
		Ledger:    donations,
		Submitter: submitter,
		Reconcile: sink,
		Logger:    logger,
		Metrics:   reg,
	}
	reliefCfg := relief.Config{
		Currency:       cfg.Payments.Currency,
		Description:    cfg.Payments.Description,
		NativeDecimals: cfg.Chain.NativeDecimals,
		GasLimit:       cfg.Chain.GasLimit,
		GasPrice:       cfg.Chain.GasPrice,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
	}

	var dbHealth func(context.Context) error
	if pool != nil {
		dbHealth = pool.Ping
	}

	apiServer := server.NewServer(cfg.Service, server.Deps{
		Donations:     relief.NewOrchestrator(deps, reliefCfg),
		Distributions: relief.NewDistributor(deps, reliefCfg),
		Store:         store,
		Logger:        logger,
		Metrics:       reg,
		RPCHealth:     rpcHealth,
		DBHealth:      dbHealth,
		QueueDepth:    depth,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown_started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", zap.Error(err))
	}
}

func buildLedger(cfg config.StorageConfig, pool *pgxpool.Pool, loadAWS func() aws.Config) (ledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		return ledger.NewMemoryLedger(), nil
	case config.LedgerPostgres:
		if pool == nil {
			return nil, errors.New("postgres pool not configured")
		}
		return ledger.NewPostgresLedger(pool), nil
	case config.LedgerDynamoDB:
		return ledger.NewDynamoLedger(dynamodb.NewFromConfig(loadAWS()), cfg.DynamoDBTable), nil
	default:
		fl, err := ledger.NewFileLedger(cfg.LedgerFilePath)
		if err != nil {
			return nil, err
		}
		return fl, nil
	}
}

func buildIdempotencyStore(ctx context.Context, cfg config.ServiceConfig, pool *pgxpool.Pool, logger *zap.Logger) (idempotency.Store, error) {
	if pool == nil {
		fs, err := idempotency.NewFileStore(cfg.IdempotencyStorePath)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	store := idempotency.NewPostgresStore(pool)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.Purge(ctx)
				if err != nil {
					logger.Warn("idempotency_purge_failed", zap.Error(err))
					continue
				}
				logger.Debug("idempotency_purged", zap.Int64("rows", n))
			}
		}
	}()
	return store, nil
}

func buildReconcile(cfg config.ReconcileConfig, loadAWS func() aws.Config) (reconcile.Sink, func() (int, error), error) {
	dir, err := reconcile.NewDirSink(cfg.Dir)
	if err != nil {
		return nil, nil, err
	}
	sinks := reconcile.MultiSink{dir}
	if cfg.S3Bucket != "" {
		sinks = append(sinks, reconcile.NewS3Sink(s3.NewFromConfig(loadAWS()), cfg.S3Bucket, cfg.S3Prefix))
	}
	return sinks, sinks.Depth, nil
}
