package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"

	"OpenProof-Chain/internal/api"
	"OpenProof-Chain/internal/auth"
	"OpenProof-Chain/internal/client"
	"OpenProof-Chain/internal/config"
	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/evm"
	"OpenProof-Chain/internal/indexer"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/observability/alerting"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/pipeline"
	"OpenProof-Chain/internal/polymer"
	"OpenProof-Chain/internal/program/kvlogger"
	"OpenProof-Chain/internal/program/proofrelay"
	"OpenProof-Chain/internal/program/system"
	"OpenProof-Chain/internal/program/verifier"
	"OpenProof-Chain/internal/storage/mysql"
	"OpenProof-Chain/internal/storage/redis"
	"OpenProof-Chain/internal/task"
	"OpenProof-Chain/pkg/logger"
)

// jobAuthoritySeed derives the authority that signs relay calls for proof jobs.
const jobAuthoritySeed = "proof-jobs"

// main 是 OpenProof 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("openproofd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		ProgramLogs: cfg.Logging.ProgramLogs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	l := logger.Named("openproofd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	alerts := alerting.NewFanout(&alerting.LogNotifier{}, &alerting.AuditNotifier{Component: "openproofd"})

	accounts, err := openAccountStore(ctx, cfg)
	if err != nil {
		return err
	}
	rt := ledger.NewRuntime(accounts,
		ledger.WithHistoryCapacity(cfg.Ledger.HistorySize),
		ledger.WithComputeUnitLimit(cfg.Ledger.ComputeUnitLimit),
		ledger.WithObserver(transactionObserver(alerts)),
	)
	defer rt.Close()

	loggerID, relayID, err := deployPrograms(rt, cfg)
	if err != nil {
		return err
	}

	authority, err := loadAuthority(cfg.Wallet.KeypairPath)
	if err != nil {
		return err
	}
	l.Info("节点授权账户", "authority", authority.String(), "logger_program", loggerID.String(), "relay_program", relayID.String())

	clientOpts := []client.Option{
		client.WithLoggerProgram(loggerID),
		client.WithRelayProgram(relayID),
		client.WithComputeUnitLimit(cfg.Ledger.ComputeUnitLimit),
	}
	actions, err := client.New(rt, authority, clientOpts...)
	if err != nil {
		return err
	}
	// 证明任务使用独立的授权账户，避免与 API 上传共用同一个证明缓存
	jobAuthority, err := solana.CreateWithSeed(authority, jobAuthoritySeed, solana.SystemProgramID)
	if err != nil {
		return fmt.Errorf("derive job authority: %w", err)
	}
	jobRelay, err := client.New(rt, jobAuthority, append(clientOpts, client.WithLogger(logger.Named("pipeline.relay")))...)
	if err != nil {
		return err
	}
	l.Info("证明任务授权账户", "authority", jobAuthority.String())

	var (
		observations mysql.ObservationRepository
		taskStore    task.Store
	)
	switch cfg.Storage.Driver {
	case "memory":
		observations = mysql.NewMemoryObservationRepository(0)
		taskStore = task.NewMemoryStore()
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: config.Duration(cfg.Storage.ConnMaxLifetimeSeconds),
			ConnMaxIdleTime: config.Duration(cfg.Storage.ConnMaxIdleTimeSeconds),
		})
		if err != nil {
			return err
		}
		// taskStore owns db from here on
		if observations, taskStore, err = openSQLStores(db); err != nil {
			db.Close()
			return err
		}
	}
	defer taskStore.Close()

	taskQueue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			l.Warn("关闭任务队列失败", "error", err)
		}
	}()

	jobs := task.NewService(taskStore, taskQueue, cfg.Storage.Retries)
	jobs.SetDefaultProgramID(loggerID.String())
	jobs.SetDefaultSrcChainID(cfg.Polymer.SrcChainID)

	executor, closeExecutor, err := buildExecutor(ctx, cfg, jobRelay)
	if err != nil {
		return err
	}
	defer closeExecutor()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	if executor != nil {
		processor := task.NewProcessor(executor, taskStore, taskQueue, taskQueue,
			task.WithWorkerCount(cfg.Queue.Workers),
			task.WithProcessorLogger(logger.Named("processor")),
			task.WithAlertDispatcher(alerts),
		)
		go func() {
			if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("任务处理器异常退出", "error", err)
			}
		}()
	} else {
		l.Warn("未配置证明服务，证明任务只会排队不会执行")
	}

	if cfg.Indexer.Enabled {
		opts := []indexer.Option{
			indexer.WithInterval(config.Duration(cfg.Indexer.PollIntervalSeconds)),
			indexer.WithBatchSize(cfg.Indexer.BatchSize),
			indexer.WithAlertDispatcher(alerts),
		}
		if cfg.Indexer.EnqueueProofJobs {
			opts = append(opts, indexer.WithSubmitter(jobs))
		}
		idx := indexer.New(rt.History(), observations, loggerID, opts...)
		go func() {
			if err := idx.Run(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("日志索引器异常退出", "error", err)
			}
		}()
	}

	authSvc, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}
	if !authSvc.Enabled() {
		l.Warn("未配置运维令牌，写接口不做鉴权")
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Actions:      actions,
		Transactions: rt.History(),
		Observations: observations,
		Jobs:         jobs,
	}, api.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownSeconds)), api.WithAuth(authSvc))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAuthService(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.TokenConfig, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Name:        t.Name,
			Token:       t.Token,
			TokenEnv:    t.TokenEnv,
			Permissions: t.Permissions,
		})
	}
	return auth.NewService(auth.Config{Tokens: tokens})
}

func openAccountStore(ctx context.Context, cfg *config.Config) (ledger.AccountStore, error) {
	switch cfg.Ledger.Store {
	case "redis":
		return redis.NewAccountStore(ctx, redis.Config{
			Address:  cfg.Ledger.Redis.Address,
			Password: cfg.Ledger.Redis.Password,
			DB:       cfg.Ledger.Redis.DB,
			Prefix:   cfg.Ledger.Redis.Prefix,
			Timeout:  5 * time.Second,
		})
	default:
		return ledger.NewMemoryStore(), nil
	}
}

func deployPrograms(rt *ledger.Runtime, cfg *config.Config) (solana.PublicKey, solana.PublicKey, error) {
	loggerID, err := programID(cfg.Programs.Logger.ProgramID, kvlogger.ProgramID)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("logger program_id: %w", err)
	}
	relayID, err := programID(cfg.Programs.Relay.ProgramID, proofrelay.ProgramID)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("relay program_id: %w", err)
	}
	variant, err := kvlogger.ParseVariant(cfg.Programs.Logger.Variant)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}

	programs := []ledger.Program{
		system.New(),
		kvlogger.New(
			kvlogger.WithProgramID(loggerID),
			kvlogger.WithVariant(variant),
			kvlogger.WithExposeSwap(cfg.Programs.Logger.ExposeSwap),
		),
		proofrelay.New(proofrelay.WithProgramID(relayID)),
	}
	if cfg.Programs.Verifier.Enabled {
		programs = append(programs, verifier.New())
	}
	if err := rt.Register(programs...); err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	return loggerID, relayID, nil
}

func programID(configured string, fallback solana.PublicKey) (solana.PublicKey, error) {
	if configured == "" {
		return fallback, nil
	}
	return solana.PublicKeyFromBase58(configured)
}

// loadAuthority 读取 solana-keygen 格式的密钥文件，未配置时生成临时钱包。
func loadAuthority(path string) (solana.PublicKey, error) {
	if path == "" {
		wallet := solana.NewWallet()
		logger.Named("openproofd").Warn("未配置钱包，使用临时密钥", "authority", wallet.PublicKey().String())
		return wallet.PublicKey(), nil
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("读取钱包失败: %w", err)
	}
	return key.PublicKey(), nil
}

func openSQLStores(db *sql.DB) (mysql.ObservationRepository, task.Store, error) {
	observations, err := mysql.NewSQLObservationRepository(db)
	if err != nil {
		return nil, nil, err
	}
	store, err := task.NewMySQLStore(db)
	if err != nil {
		return nil, nil, err
	}
	return observations, store, nil
}

type queue interface {
	task.Producer
	task.Consumer
}

func openQueue(cfg *config.Config) (queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: config.Duration(cfg.Queue.Redis.BlockWaitSeconds),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return task.NewMemoryQueue(cfg.Queue.Buffer), nil
	}
}

// buildExecutor 组装证明流水线；未配置证明服务时返回 nil。
func buildExecutor(ctx context.Context, cfg *config.Config, relay pipeline.Relay) (*pipeline.Executor, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if cfg.Polymer.URL == "" {
		return nil, closeAll, nil
	}

	source, err := polymer.Dial(ctx, polymer.Config{
		URL:               cfg.Polymer.URL,
		APIKey:            cfg.PolymerAPIKey(),
		RequestsPerSecond: cfg.Polymer.RequestsPerSecond,
		Policy: polymer.Policy{
			MaxAttempts:  cfg.Polymer.MaxAttempts,
			InitialDelay: seconds(cfg.Polymer.InitialDelaySeconds),
			MaxDelay:     seconds(cfg.Polymer.MaxDelaySeconds),
			Multiplier:   cfg.Polymer.Multiplier,
		},
	})
	if err != nil {
		return nil, closeAll, err
	}
	closers = append(closers, source.Close)

	opts := []pipeline.Option{
		pipeline.WithRelay(relay, client.DefaultChunks),
		pipeline.WithLogger(logger.Named("pipeline")),
	}
	if cfg.EVM.RPCURL != "" {
		validator, err := evm.Dial(ctx, evm.Config{
			RPCURL:        cfg.EVM.RPCURL,
			ProverAddress: cfg.EVM.ProverAddress,
			Timeout:       config.Duration(cfg.EVM.TimeoutSeconds),
		})
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, validator.Close)
		opts = append(opts, pipeline.WithEVM(validator))
	}
	return pipeline.New(source, opts...), closeAll, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// transactionObserver 把交易结果写入指标，并对需要告警的失败发出通知。
func transactionObserver(alerts alerting.Dispatcher) ledger.Observer {
	return func(receipt *ledger.Receipt, err error) {
		if err == nil {
			metrics.ObserveTransaction("", receipt.ComputeUnits)
			return
		}
		metrics.ObserveTransaction(string(xerrors.CodeOf(err)), 0)
		if xerrors.ShouldAlert(err) {
			_ = alerts.Notify(context.Background(), alerting.FromError("transaction", err))
		}
	}
}
