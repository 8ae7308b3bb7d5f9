package submit

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"userop-generator/internal/chain"
	"userop-generator/internal/contracts"
	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/observability/alerting"
	"userop-generator/internal/userop"
	"userop-generator/pkg/logger"
)

// NonceInvalidator 在提交后丢弃缓存的账户 nonce。
type NonceInvalidator interface {
	Invalidate(chainID uint64, account common.Address)
}

// entryPointBinder 构造 EntryPoint 调用句柄，测试时可替换。
type entryPointBinder func(address common.Address, backend bind.ContractBackend) (entryPointCaller, error)

type entryPointCaller interface {
	HandleOps(auth *bind.TransactOpts, ops []userop.UserOperation, beneficiary common.Address) (txHashHex string, err error)
}

type boundEntryPoint struct {
	inner *contracts.EntryPoint
}

func (b boundEntryPoint) HandleOps(auth *bind.TransactOpts, ops []userop.UserOperation, beneficiary common.Address) (string, error) {
	tx, err := b.inner.HandleOps(auth, ops, beneficiary)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func bindEntryPoint(address common.Address, backend bind.ContractBackend) (entryPointCaller, error) {
	inner, err := contracts.NewEntryPoint(address, backend)
	if err != nil {
		return nil, err
	}
	return boundEntryPoint{inner: inner}, nil
}

// Submitter 从队列消费提交记录并通过 EntryPoint.handleOps 送上链。
type Submitter struct {
	store       Store
	consumer    Consumer
	producer    Producer
	pool        *chain.Pool
	key         *ecdsa.PrivateKey
	beneficiary common.Address
	nonces      NonceInvalidator
	alerter     alerting.Dispatcher
	workerCount int
	logger      *slog.Logger
	bind        entryPointBinder
}

// SubmitterOption 定义可选配置。
type SubmitterOption func(*Submitter)

// WithSubmitterLogger 指定日志输出。
func WithSubmitterLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		s.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) SubmitterOption {
	return func(s *Submitter) {
		if workers > 0 {
			s.workerCount = workers
		}
	}
}

// WithNonceInvalidator 配置提交后的 nonce 缓存清理。
func WithNonceInvalidator(nonces NonceInvalidator) SubmitterOption {
	return func(s *Submitter) {
		s.nonces = nonces
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) SubmitterOption {
	return func(s *Submitter) {
		s.alerter = dispatcher
	}
}

// NewSubmitter 构造 Submitter。key 是支付 handleOps gas 的打包账户私钥。
func NewSubmitter(store Store, consumer Consumer, producer Producer, pool *chain.Pool,
	key *ecdsa.PrivateKey, beneficiary common.Address, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		store:       store,
		consumer:    consumer,
		producer:    producer,
		pool:        pool,
		key:         key,
		beneficiary: beneficiary,
		workerCount: 1,
		bind:        bindEntryPoint,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.workerCount <= 0 {
		s.workerCount = 1
	}
	return s
}

// Start 启动提交处理循环。
func (s *Submitter) Start(ctx context.Context) error {
	if s.consumer == nil {
		return xerrors.New(xerrors.CodeInitialization, "未配置提交消费者")
	}
	return s.consumer.Consume(ctx, s.workerCount, s.handle)
}

func (s *Submitter) handle(ctx context.Context, recordID string) error {
	if s.store == nil || s.pool == nil || s.key == nil {
		return xerrors.New(xerrors.CodeInitialization, "提交器未初始化")
	}
	record, err := s.store.Claim(ctx, recordID)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrSubmitted) || stdErrors.Is(err, ErrExhausted) {
			s.logDebug("跳过提交记录", slog.String("record_id", recordID), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, ErrConflict) {
			s.logDebug("提交记录正在处理", slog.String("record_id", recordID))
			return nil
		}
		logger.L().Error("领取提交记录失败", slog.Any("error", err), slog.String("record_id", recordID))
		s.emitAlert(ctx, &Record{ID: recordID}, CodeOpSubmission, err, "claim")
		return err
	}

	txHash, submitErr := s.submit(ctx, record)
	if submitErr != nil {
		return s.handleSubmissionFailure(ctx, record, submitErr)
	}

	if err := s.store.MarkSubmitted(ctx, record.ID, txHash); err != nil {
		logger.L().Error("标记提交成功状态失败", slog.Any("error", err), slog.String("record_id", record.ID))
		return err
	}
	if s.nonces != nil {
		s.nonces.Invalidate(record.ChainID, common.HexToAddress(record.Sender))
	}
	logger.Audit().Info("用户操作提交成功",
		slog.String("record_id", record.ID),
		slog.Uint64("chain_id", record.ChainID),
		slog.String("op_hash", record.OpHash),
		slog.String("tx_hash", txHash),
	)
	return nil
}

func (s *Submitter) submit(ctx context.Context, record *Record) (string, error) {
	if record.Operation == nil {
		return "", xerrors.New(xerrors.CodeInvalidUserOp, "提交记录缺少用户操作")
	}
	backend, err := s.pool.Backend(ctx, record.ChainID)
	if err != nil {
		return "", err
	}
	entryPoint, err := s.bind(common.HexToAddress(record.EntryPoint), backend)
	if err != nil {
		return "", err
	}
	auth, err := bind.NewKeyedTransactorWithChainID(s.key, new(big.Int).SetUint64(record.ChainID))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSignatureFailure, err, "构造交易签名器失败")
	}
	auth.Context = ctx

	return entryPoint.HandleOps(auth, []userop.UserOperation{*record.Operation}, s.beneficiary)
}

func (s *Submitter) handleSubmissionFailure(ctx context.Context, record *Record, submitErr error) error {
	code := xerrors.CodeOf(submitErr)
	if code == xerrors.CodeUnknown {
		code = CodeOpSubmission
	}
	retryable := xerrors.RetryableError(submitErr)
	terminal := record.Attempts >= record.MaxRetries || !retryable

	if storeErr := s.store.MarkFailed(ctx, record.ID, string(code), submitErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记提交失败状态出错", slog.Any("error", storeErr), slog.String("record_id", record.ID))
		return storeErr
	}
	logger.Audit().Warn("用户操作提交失败",
		slog.String("record_id", record.ID),
		slog.Uint64("chain_id", record.ChainID),
		slog.Bool("terminal", terminal),
		slog.String("error", submitErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", record.Attempts),
		slog.Int("max_retries", record.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	s.emitAlert(ctx, record, code, submitErr, stage)

	if retryable && !terminal {
		if pubErr := s.producer.Publish(ctx, record.ID); pubErr != nil {
			return xerrors.Wrap(CodeOpPublish, pubErr, "提交记录重投失败")
		}
		s.logDebug("提交记录已重新排队", slog.String("record_id", record.ID), slog.Int("attempts", record.Attempts))
	}
	return nil
}

func (s *Submitter) logDebug(msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		s.logger.Debug(msg, args...)
	}
}

func (s *Submitter) emitAlert(ctx context.Context, record *Record, code xerrors.Code, cause error, stage string) {
	if s == nil || s.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if record.OpHash != "" {
		metadata["op_hash"] = record.OpHash
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		OperationID: record.ID,
		ChainID:     record.ChainID,
		Attempts:    record.Attempts,
		MaxRetries:  record.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("record_id", record.ID),
			slog.String("stage", stage),
		)
	}
}
