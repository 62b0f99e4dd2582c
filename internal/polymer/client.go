package polymer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/pkg/logger"
)

const (
	methodRequestProof = "polymer_requestProof"
	methodQueryProof   = "polymer_queryProof"

	// SolanaChainID identifies Solana as a proof source.
	SolanaChainID uint64 = 2
)

const (
	CodeProofFailed xerrors.Code = "POLYMER_PROOF_FAILED"
	CodePollTimeout xerrors.Code = "POLYMER_POLL_TIMEOUT"
)

var (
	// ErrProofFailed is returned when the service reports that proof generation failed.
	ErrProofFailed = xerrors.New(CodeProofFailed, "proof generation failed")
	// ErrPollTimeout is returned when the proof is still pending after every poll attempt.
	ErrPollTimeout = xerrors.New(CodePollTimeout, "proof generation timed out")
)

func init() {
	xerrors.Register(CodeProofFailed, xerrors.Attributes{
		Message:  "proof generation failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodePollTimeout, xerrors.Attributes{
		Message:   "proof generation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Status is the state of a proof job.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// ProofRequest identifies the transaction whose logs should be proven.
type ProofRequest struct {
	SrcChainID  uint64 `json:"srcChainId"`
	TxSignature string `json:"txSignature"`
	ProgramID   string `json:"programID"`
}

// JobID is the handle returned by polymer_requestProof. The service may encode
// it as a JSON number or string.
type JobID string

// UnmarshalJSON accepts both numeric and string ids.
func (j *JobID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*j = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	*j = JobID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers.
func (j JobID) MarshalJSON() ([]byte, error) {
	if _, err := json.Number(j).Int64(); err == nil {
		return []byte(j), nil
	}
	return json.Marshal(string(j))
}

// ProofStatus is the result of polymer_queryProof.
type ProofStatus struct {
	Status Status `json:"status"`
	Proof  string `json:"proof,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Policy controls polling.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy polls up to 20 times, growing the delay by 1.5x from 2s up to 10s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 20, InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 1.5}
}

func (p Policy) next(delay time.Duration) time.Duration {
	grown := time.Duration(float64(delay) * p.Multiplier)
	if grown > p.MaxDelay {
		return p.MaxDelay
	}
	return grown
}

// Config configures Dial.
type Config struct {
	URL               string
	APIKey            string
	Policy            Policy
	RequestsPerSecond float64
}

type caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// Option customises a Client.
type Option func(*Client)

// WithPolicy overrides the polling policy.
func WithPolicy(p Policy) Option {
	return func(c *Client) {
		if p.MaxAttempts > 0 {
			c.policy.MaxAttempts = p.MaxAttempts
		}
		if p.InitialDelay > 0 {
			c.policy.InitialDelay = p.InitialDelay
		}
		if p.MaxDelay > 0 {
			c.policy.MaxDelay = p.MaxDelay
		}
		if p.Multiplier > 1 {
			c.policy.Multiplier = p.Multiplier
		}
	}
}

// WithRateLimit bounds how many RPC calls are issued per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithSleeper replaces the function used to wait between polls.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client requests and polls proofs.
type Client struct {
	rpc     caller
	limiter *rate.Limiter
	policy  Policy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// Dial connects to the proof API with bearer authentication.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置证明服务地址")
	}
	dialOpts := []gethrpc.ClientOption{}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		dialOpts = append(dialOpts, gethrpc.WithHeader("Authorization", "Bearer "+key))
	}
	rpcClient, err := gethrpc.DialOptions(ctx, url, dialOpts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "连接证明服务失败")
	}
	opts = append([]Option{WithPolicy(cfg.Policy), WithRateLimit(cfg.RequestsPerSecond)}, opts...)
	return newClient(rpcClient, opts...), nil
}

func newClient(rpc caller, opts ...Option) *Client {
	c := &Client{
		rpc:     rpc,
		limiter: rate.NewLimiter(rate.Inf, 1),
		policy:  DefaultPolicy(),
		sleep:   sleepContext,
		logger:  logger.Named("polymer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.rpc.CallContext(ctx, result, method, args...)
}

// RequestProof submits a proof job.
func (c *Client) RequestProof(ctx context.Context, req ProofRequest) (JobID, error) {
	if req.SrcChainID == 0 {
		req.SrcChainID = SolanaChainID
	}
	var id JobID
	if err := c.call(ctx, &id, methodRequestProof, req); err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "request proof")
	}
	if id == "" {
		return "", xerrors.New(xerrors.CodeUpstreamFailure, "proof service returned an empty job id")
	}
	c.logger.Info("已提交证明请求", "job_id", string(id), "tx_signature", req.TxSignature, "program_id", req.ProgramID)
	return id, nil
}

// QueryProof returns the current state of a job. Unknown states count as pending.
func (c *Client) QueryProof(ctx context.Context, id JobID) (*ProofStatus, error) {
	var status ProofStatus
	if err := c.call(ctx, &status, methodQueryProof, id); err != nil {
		return nil, err
	}
	switch {
	case status.Status == StatusComplete && status.Proof != "":
	case status.Status == StatusError:
		if status.Error == "" {
			status.Error = "Unknown error"
		}
	default:
		status = ProofStatus{Status: StatusPending}
	}
	return &status, nil
}

// WaitForProof polls until the proof is complete. Transient network failures
// consume an attempt and are retried; any other failure aborts the wait.
func (c *Client) WaitForProof(ctx context.Context, id JobID) (string, error) {
	delay := c.policy.InitialDelay
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		c.logger.Debug("轮询证明状态", "job_id", string(id), "attempt", attempt, "max_attempts", c.policy.MaxAttempts)
		status, err := c.QueryProof(ctx, id)
		switch {
		case err != nil && isTransient(err):
			c.logger.Warn("轮询证明时网络异常，稍后重试", "job_id", string(id), "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
			continue
		case err != nil:
			return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "query proof")
		case status.Status == StatusComplete:
			return status.Proof, nil
		case status.Status == StatusError:
			return "", xerrors.Wrap(CodeProofFailed, errors.New(status.Error), "proof generation failed")
		}
		delay = c.policy.next(delay)
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", xerrors.New(CodePollTimeout, fmt.Sprintf("proof generation timed out after %d attempts", c.policy.MaxAttempts))
}

// Fetch requests a proof and waits for it, returning the job id and the base64 proof.
func (c *Client) Fetch(ctx context.Context, req ProofRequest) (JobID, string, error) {
	id, err := c.RequestProof(ctx, req)
	if err != nil {
		return "", "", err
	}
	proof, err := c.WaitForProof(ctx, id)
	if err != nil {
		return id, "", err
	}
	return id, proof, nil
}

// DecodeProof decodes the base64 proof returned by the service.
func DecodeProof(proof string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(proof))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode proof")
	}
	return raw, nil
}

func isTransient(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr gethrpc.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode >= 500
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
