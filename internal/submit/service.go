package submit

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"github.com/google/uuid"

	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/userop"
	"userop-generator/pkg/logger"
)

// Service 负责提交记录的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造提交服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Enqueue 把一个已签名的用户操作登记入库并推入提交队列。
func (s *Service) Enqueue(ctx context.Context, chainID uint64, result *userop.Result) (*Record, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "提交服务未初始化")
	}
	if result == nil || result.Operation == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少用户操作")
	}
	if len(result.Operation.Signature) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidUserOp, "用户操作未签名，拒绝提交")
	}

	record := &Record{
		ID:         uuid.NewString(),
		ChainID:    chainID,
		Sender:     result.Operation.Sender.Hex(),
		OpHash:     result.Hash.Hex(),
		EntryPoint: result.EntryPoint.Hex(),
		Operation:  result.Operation,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, record.ID); err != nil {
		logger.L().Error("提交记录入队失败", slog.Any("error", err), slog.String("record_id", record.ID))
		wrapped := xerrors.Wrap(CodeOpPublish, err, "发布提交记录到队列失败")
		_ = s.store.MarkFailed(ctx, record.ID, string(CodeOpPublish), wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("用户操作入队",
		slog.String("record_id", record.ID),
		slog.Uint64("chain_id", chainID),
		slog.String("sender", record.Sender),
		slog.String("op_hash", record.OpHash),
		slog.Int("max_retries", record.MaxRetries),
	)
	return record, nil
}

// Get 返回指定提交记录。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "提交存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的提交记录。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "提交存储未初始化")
	}
	return s.store.List(ctx, opts)
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
