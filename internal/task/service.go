package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/pkg/logger"
)

// DefaultSrcChainID 是证明服务中 Solana 链的编号。
const DefaultSrcChainID = 2

// Service 负责证明任务的创建与查询。
type Service struct {
	store            Store
	producer         Producer
	maxRetries       int
	defaultProgramID string
	srcChainID       uint64
}

// SetDefaultProgramID 设置请求未指定程序时使用的程序 ID。
func (s *Service) SetDefaultProgramID(id string) {
	s.defaultProgramID = strings.TrimSpace(id)
}

// SetDefaultSrcChainID 设置请求未指定源链时使用的链编号。
func (s *Service) SetDefaultSrcChainID(id uint64) {
	s.srcChainID = id
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries, srcChainID: DefaultSrcChainID}
}

// Submit 创建一个新的证明任务并推送到队列；相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	req.TxSignature = strings.TrimSpace(req.TxSignature)
	if req.TxSignature == "" {
		return nil, xerrors.New(CodeTaskValidation, "交易签名不能为空")
	}
	if _, err := solana.SignatureFromBase58(req.TxSignature); err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "交易签名格式错误")
	}
	programID := strings.TrimSpace(req.ProgramID)
	if programID == "" {
		programID = s.defaultProgramID
	}
	if _, err := solana.PublicKeyFromBase58(programID); err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "程序 ID 格式错误")
	}
	if req.SrcChainID == 0 {
		req.SrcChainID = s.srcChainID
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:          taskID,
		TxSignature: req.TxSignature,
		ProgramID:   programID,
		SrcChainID:  req.SrcChainID,
		Status:      StatusPending,
		Attempts:    0,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	metrics.ObserveJob(string(StatusPending), 0)
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("tx_signature", task.TxSignature),
		slog.String("program_id", task.ProgramID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := NewListOptions(opts...)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := NewListOptions(opts...)
	stats, err := s.store.Stats(ctx, options)
	if err != nil {
		return stats, err
	}
	if reporter, ok := s.producer.(DepthReporter); ok {
		depth, err := reporter.Depth(ctx)
		if err != nil {
			logger.L().Warn("读取队列长度失败", slog.Any("error", err))
			return stats, nil
		}
		stats.Queued = &depth
	}
	return stats, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询任务状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
