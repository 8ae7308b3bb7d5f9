package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"userop-generator/internal/api"
	"userop-generator/internal/chain"
	"userop-generator/internal/config"
	"userop-generator/internal/gas"
	"userop-generator/internal/observability/metrics"
	"userop-generator/internal/signer"
	"userop-generator/internal/submit"
	"userop-generator/internal/userop"
	"userop-generator/pkg/logger"
)

// main 是 useropd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("useropd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("USEROPD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "useropd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit:       cfg.Logging.Audit,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	catalog, err := chain.LoadCatalog(cfg.Chains.Catalog)
	if err != nil {
		return err
	}

	pool := chain.NewPool(catalog)
	defer pool.Close()

	limiters := gas.NewLimiters(catalog)
	estimator := gas.NewEstimator(pool, limiters)
	defer estimator.Close()
	nonces := gas.NewNonceManager(pool, limiters)
	defer nonces.Close()

	generator := userop.NewGenerator(catalog, estimator, nonces)

	var opSigner userop.Signer
	signingKey := strings.TrimSpace(cfg.Keys.SigningKey())
	if signingKey != "" {
		local, err := signer.NewLocal(signingKey)
		if err != nil {
			return err
		}
		opSigner = local
	}

	var store submit.Store
	switch cfg.Storage.OperationStore.Driver {
	case "", "memory":
		store = submit.NewMemoryStore()
	case "mysql":
		mysqlStore, err := submit.NewMySQLStore(cfg.Storage.OperationStore.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.OperationStore.Driver)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("关闭提交存储失败: %v", err)
		}
	}()

	var queue submit.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = submit.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := submit.NewRedisQueue(submit.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := submit.NewRabbitMQQueue(submit.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭提交队列失败: %v", err)
		}
	}()

	service := submit.NewService(store, queue, cfg.Submission.MaxRetries)

	if cfg.Submission.Enabled {
		if signingKey == "" {
			return errors.New("启用提交时必须配置打包账户私钥")
		}
		bundlerKey, err := crypto.HexToECDSA(strings.TrimPrefix(signingKey, "0x"))
		if err != nil {
			return fmt.Errorf("解析打包账户私钥失败: %w", err)
		}
		beneficiary := common.HexToAddress(cfg.Submission.Beneficiary)
		if cfg.Submission.Beneficiary == "" {
			beneficiary = crypto.PubkeyToAddress(bundlerKey.PublicKey)
		}

		submitter := submit.NewSubmitter(store, queue, queue, pool, bundlerKey, beneficiary,
			submit.WithWorkerCount(cfg.Queue.Workers),
			submit.WithNonceInvalidator(nonces),
			submit.WithSubmitterLogger(logger.Named("submitter")),
		)

		submitterCtx, submitterCancel := context.WithCancel(ctx)
		defer submitterCancel()

		go func() {
			if err := submitter.Start(submitterCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("提交处理循环异常退出", slog.Any("error", err))
			}
		}()
	}

	go func() {
		if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("指标服务异常退出", slog.Any("error", err))
		}
	}()

	logger.L().Info("useropd 启动",
		slog.String("address", cfg.Server.Address),
		slog.Int("chains", len(catalog.ChainIDs())),
		slog.Bool("submission", cfg.Submission.Enabled),
	)

	server := api.NewServer(cfg.Server.Address, generator, opSigner, service)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
