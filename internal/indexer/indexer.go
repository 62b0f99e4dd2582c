// Package indexer follows committed transactions, picks out the key/value
// entries written by the logger program and stores them as observations.
// Entries whose text line, Borsh record and event disagree are flagged.
// Optionally every indexed transaction is submitted as a proof job.
package indexer

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/observability/alerting"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/storage/mysql"
	"OpenProof-Chain/internal/task"
	"OpenProof-Chain/pkg/logger"
)

// CodeInconsistentEntry marks an entry whose representations disagree.
const CodeInconsistentEntry xerrors.Code = "INDEXER_INCONSISTENT_ENTRY"

func init() {
	xerrors.Register(CodeInconsistentEntry, xerrors.Attributes{
		Message:  "key/value representations disagree",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Source yields committed receipts in slot order.
type Source interface {
	Since(slot uint64, limit int) []*ledger.Receipt
}

// Submitter enqueues proof jobs.
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
}

// Option customises an Indexer.
type Option func(*Indexer)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(i *Indexer) {
		if d > 0 {
			i.interval = d
		}
	}
}

// WithBatchSize bounds how many receipts one poll reads.
func WithBatchSize(n int) Option {
	return func(i *Indexer) {
		if n > 0 {
			i.batch = n
		}
	}
}

// WithSubmitter submits a proof job for every transaction with observations.
func WithSubmitter(s Submitter) Option {
	return func(i *Indexer) {
		i.submitter = s
	}
}

// WithAlertDispatcher raises alerts for inconsistent entries.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(i *Indexer) {
		i.alerter = d
	}
}

// WithLogger overrides the indexer logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Indexer) {
		if l != nil {
			i.logger = l
		}
	}
}

// Indexer polls a Source.
type Indexer struct {
	source    Source
	repo      mysql.ObservationRepository
	programID solana.PublicKey
	interval  time.Duration
	batch     int
	submitter Submitter
	alerter   alerting.Dispatcher
	logger    *slog.Logger

	mu       sync.Mutex
	lastSlot uint64
}

// New builds an indexer for entries written by programID.
func New(source Source, repo mysql.ObservationRepository, programID solana.PublicKey, opts ...Option) *Indexer {
	i := &Indexer{
		source:    source,
		repo:      repo,
		programID: programID,
		interval:  2 * time.Second,
		batch:     256,
		logger:    logger.Named("indexer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// LastSlot is the highest slot indexed so far.
func (i *Indexer) LastSlot() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastSlot
}

// Run polls until ctx is cancelled.
func (i *Indexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	i.logger.Info("索引器已启动", "program_id", i.programID.String(), "interval", i.interval.String())
	for {
		if _, err := i.Poll(ctx); err != nil && ctx.Err() == nil {
			i.logger.Error("索引交易失败", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll indexes every receipt committed since the previous poll and returns how
// many observations were stored. On a storage error the cursor stays on the
// failed receipt so the next poll retries it.
func (i *Indexer) Poll(ctx context.Context) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	stored := 0
	for {
		receipts := i.source.Since(i.lastSlot, i.batch)
		if len(receipts) == 0 {
			return stored, nil
		}
		for _, receipt := range receipts {
			n, err := i.index(ctx, receipt)
			stored += n
			if err != nil {
				return stored, err
			}
			i.lastSlot = receipt.Slot
		}
		if len(receipts) < i.batch {
			return stored, nil
		}
	}
}

func (i *Indexer) index(ctx context.Context, receipt *ledger.Receipt) (int, error) {
	observations := Extract(receipt, i.programID)
	if len(observations) == 0 {
		return 0, nil
	}
	signature := receipt.Signature.String()
	for _, obs := range observations {
		record := &mysql.ObservationRecord{
			Signature:        signature,
			Slot:             receipt.Slot,
			ProgramID:        i.programID.String(),
			InstructionIndex: obs.InstructionIndex,
			LogIndex:         obs.LogIndex,
			Variant:          obs.Variant,
			Key:              obs.Key,
			Value:            obs.Value,
			Nonce:            obs.Nonce,
			Consistent:       obs.Consistent(),
			Mismatch:         obs.Mismatch(),
			ObservedAt:       receipt.BlockTime.Unix(),
		}
		if err := i.repo.Save(ctx, record); err != nil {
			return 0, err
		}
		metrics.ObserveObservation(record.Consistent)
		if !record.Consistent {
			i.reportMismatch(ctx, record)
		}
	}
	i.logger.Debug("已索引键值日志", "signature", signature, "slot", receipt.Slot, "entries", len(observations))

	if i.submitter != nil {
		if _, err := i.submitter.Submit(ctx, task.Request{TxSignature: signature, ProgramID: i.programID.String()}); err != nil {
			i.logger.Warn("提交证明任务失败", "signature", signature, "error", err)
		}
	}
	return len(observations), nil
}

func (i *Indexer) reportMismatch(ctx context.Context, record *mysql.ObservationRecord) {
	i.logger.Warn("键值日志的多种表示不一致",
		"signature", record.Signature,
		"log_index", record.LogIndex,
		"mismatch", record.Mismatch,
	)
	if i.alerter == nil {
		return
	}
	err := xerrors.New(CodeInconsistentEntry, record.Mismatch,
		xerrors.WithMetadata("log_index", strconv.Itoa(record.LogIndex)),
		xerrors.WithMetadata("key", record.Key),
	)
	if notifyErr := i.alerter.Notify(ctx, alerting.FromError(record.Signature, err)); notifyErr != nil {
		i.logger.Warn("发送告警失败", "error", notifyErr)
	}
}
