// Package openproof is a Go client for the OpenProof Chain REST API.
package openproof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

const signatureLength = 64

// Client wraps the HTTP interactions with the REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Receipt is a committed transaction.
type Receipt struct {
	Signature    string      `json:"signature"`
	Slot         uint64      `json:"slot"`
	BlockTime    time.Time   `json:"block_time"`
	ComputeUnits uint64      `json:"compute_units"`
	Logs         []string    `json:"logs"`
	ReturnData   *ReturnData `json:"return_data,omitempty"`
}

// ReturnData is the base64 return data of a transaction.
type ReturnData struct {
	ProgramID string `json:"program_id"`
	Data      string `json:"data"`
}

// Nonce is the state of the counter record.
type Nonce struct {
	Initialized bool   `json:"initialized"`
	Nonce       uint64 `json:"nonce"`
}

// LoadResult lists the transactions that uploaded a proof.
type LoadResult struct {
	Bytes        int       `json:"bytes"`
	Chunks       int       `json:"chunks"`
	Transactions []Receipt `json:"transactions"`
}

// Result is a decoded validation result.
type Result struct {
	Kind             string   `json:"kind"`
	Valid            bool     `json:"valid"`
	Description      string   `json:"description"`
	ChainID          *uint32  `json:"chain_id,omitempty"`
	EmittingContract string   `json:"emitting_contract,omitempty"`
	Topics           []string `json:"topics,omitempty"`
	UnindexedData    string   `json:"unindexed_data,omitempty"`
}

// Validation is the outcome of a validate_proof transaction.
type Validation struct {
	Transaction Receipt `json:"transaction"`
	Result      Result  `json:"result"`
}

// Observation is an indexed key/value entry.
type Observation struct {
	ID               int64  `json:"id"`
	Signature        string `json:"signature"`
	Slot             uint64 `json:"slot"`
	ProgramID        string `json:"program_id"`
	InstructionIndex int    `json:"instruction_index"`
	LogIndex         int    `json:"log_index"`
	Variant          string `json:"variant"`
	Key              string `json:"key"`
	Value            string `json:"value"`
	Nonce            uint64 `json:"nonce"`
	Consistent       bool   `json:"consistent"`
	Mismatch         string `json:"mismatch,omitempty"`
	ObservedAt       int64  `json:"observed_at"`
}

// JobSubmission is the payload required to create a proof job.
type JobSubmission struct {
	ID          string `json:"id,omitempty"`
	TxSignature string `json:"tx_signature"`
	ProgramID   string `json:"program_id,omitempty"`
	SrcChainID  uint64 `json:"src_chain_id,omitempty"`
}

// JobResult is what a finished job produced.
type JobResult struct {
	PolymerJobID string `json:"polymer_job_id"`
	Proof        string `json:"proof"`
	ValidationTx string `json:"validation_tx"`
	Valid        bool   `json:"valid"`
	Summary      string `json:"summary"`
}

// Job is a proof job.
type Job struct {
	ID          string     `json:"id"`
	TxSignature string     `json:"tx_signature"`
	ProgramID   string     `json:"program_id"`
	SrcChainID  uint64     `json:"src_chain_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// Done reports whether the job reached a final state.
func (j Job) Done() bool {
	return j.Status == "succeeded" || (j.Status == "failed" && j.Attempts >= j.MaxRetries)
}

// JobStats aggregates job states.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Queued is nil when the node's queue cannot report its depth.
	Queued *int64 `json:"queued,omitempty"`
}

// ListJobsOptions filters ListJobs and JobStats. Zero fields are not sent.
type ListJobsOptions struct {
	Limit        int
	Offset       int
	Statuses     []string
	Query        string
	UpdatedSince time.Time
	UpdatedUntil time.Time
	// HasResult keeps only jobs with (true) or without (false) a recorded result.
	HasResult *bool
	// Order is "asc" or "desc" by last update.
	Order string
}

func (o ListJobsOptions) values() url.Values {
	query := url.Values{}
	if o.Limit > 0 {
		query.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		query.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		query.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Query != "" {
		query.Set("q", o.Query)
	}
	if !o.UpdatedSince.IsZero() {
		query.Set("updated_since", o.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if !o.UpdatedUntil.IsZero() {
		query.Set("updated_until", o.UpdatedUntil.UTC().Format(time.RFC3339))
	}
	if o.HasResult != nil {
		query.Set("has_result", strconv.FormatBool(*o.HasResult))
	}
	if o.Order != "" {
		query.Set("order", o.Order)
	}
	return query
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode  int
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	ProgramCode *uint32           `json:"program_code,omitempty"`
	Instruction *int              `json:"instruction,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openproof api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openproof api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the operator token sent as a bearer credential.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the configured operator token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Health returns the raw health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.get(ctx, "/healthz", nil, &out)
	return out, err
}

// Initialize creates the counter record.
func (c *Client) Initialize(ctx context.Context) (Receipt, error) {
	var out Receipt
	err := c.post(ctx, "/api/v1/logger/initialize", struct{}{}, &out)
	return out, err
}

// Log records one key/value pair.
func (c *Client) Log(ctx context.Context, key, value string) (Receipt, error) {
	var out Receipt
	err := c.post(ctx, "/api/v1/logger/log", map[string]string{"key": key, "value": value}, &out)
	return out, err
}

// SwapAndLog calls the swapped pass directly.
func (c *Client) SwapAndLog(ctx context.Context, key, value string) (Receipt, error) {
	var out Receipt
	err := c.post(ctx, "/api/v1/logger/swap", map[string]string{"key": key, "value": value}, &out)
	return out, err
}

// Nonce reads the counter record.
func (c *Client) Nonce(ctx context.Context) (Nonce, error) {
	var out Nonce
	err := c.get(ctx, "/api/v1/logger/nonce", nil, &out)
	return out, err
}

// LoadProof uploads proof (base64, 0x hex or a JSON byte array) in chunks.
func (c *Client) LoadProof(ctx context.Context, proof string, chunks int) (LoadResult, error) {
	var out LoadResult
	err := c.post(ctx, "/api/v1/proofs/load", map[string]any{"proof": proof, "chunks": chunks}, &out)
	return out, err
}

// ValidateProof validates the uploaded proof.
func (c *Client) ValidateProof(ctx context.Context) (Validation, error) {
	var out Validation
	err := c.post(ctx, "/api/v1/proofs/validate", struct{}{}, &out)
	return out, err
}

// Transaction fetches a committed transaction.
func (c *Client) Transaction(ctx context.Context, signature string) (Receipt, error) {
	if err := checkSignature(signature); err != nil {
		return Receipt{}, err
	}
	var out Receipt
	err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(signature), nil, &out)
	return out, err
}

// Events lists the most recently indexed entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Observation, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []Observation
	err := c.get(ctx, "/api/v1/events", query, &out)
	return out, err
}

// EventsBySignature lists the entries indexed from one transaction.
func (c *Client) EventsBySignature(ctx context.Context, signature string) ([]Observation, error) {
	if err := checkSignature(signature); err != nil {
		return nil, err
	}
	var out []Observation
	err := c.get(ctx, "/api/v1/events", url.Values{"signature": {signature}}, &out)
	return out, err
}

// SubmitJob creates a proof job.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (Job, error) {
	if err := checkSignature(submission.TxSignature); err != nil {
		return Job{}, err
	}
	var out Job
	err := c.post(ctx, "/api/v1/jobs", submission, &out)
	return out, err
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var out Job
	err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListJobs lists jobs, most recently updated first.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]Job, error) {
	var out []Job
	err := c.get(ctx, "/api/v1/jobs", opts.values(), &out)
	return out, err
}

// JobStats aggregates the states of the jobs opts selects. Paging fields are ignored.
func (c *Client) JobStats(ctx context.Context, opts ListJobsOptions) (JobStats, error) {
	opts.Limit, opts.Offset = 0, 0
	var out JobStats
	err := c.get(ctx, "/api/v1/jobs/stats", opts.values(), &out)
	return out, err
}

// WaitForJob polls until the job is done or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func checkSignature(signature string) error {
	raw, err := base58.Decode(signature)
	if err != nil {
		return fmt.Errorf("openproof: signature is not base58: %w", err)
	}
	if len(raw) != signatureLength {
		return fmt.Errorf("openproof: signature has %d bytes, want %d", len(raw), signatureLength)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
