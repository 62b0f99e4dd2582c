package polymer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenProof-Chain/internal/errors"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type fakeService struct {
	mu       sync.Mutex
	auth     []string
	requests []ProofRequest
	queries  int
	statuses []ProofStatus
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))

	var result any
	switch req.Method {
	case methodRequestProof:
		var pr ProofRequest
		_ = json.Unmarshal(req.Params[0], &pr)
		s.requests = append(s.requests, pr)
		result = 4242
	case methodQueryProof:
		idx := s.queries
		if idx >= len(s.statuses) {
			idx = len(s.statuses) - 1
		}
		s.queries++
		result = s.statuses[idx]
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func recordSleeps(delays *[]time.Duration) Option {
	return WithSleeper(func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
}

func dialFake(t *testing.T, svc *fakeService, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(svc)
	t.Cleanup(server.Close)
	client, err := Dial(context.Background(), Config{URL: server.URL, APIKey: "secret"}, opts...)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestFetchPollsUntilComplete(t *testing.T) {
	svc := &fakeService{statuses: []ProofStatus{
		{Status: StatusPending},
		{Status: StatusPending},
		{Status: StatusComplete, Proof: "AQID"},
	}}
	var delays []time.Duration
	client := dialFake(t, svc, recordSleeps(&delays))

	id, proof, err := client.Fetch(context.Background(), ProofRequest{
		TxSignature: "sig",
		ProgramID:   "Prog",
	})
	require.NoError(t, err)
	assert.Equal(t, JobID("4242"), id)
	assert.Equal(t, "AQID", proof)
	assert.Equal(t, []time.Duration{3 * time.Second, 4500 * time.Millisecond}, delays)

	require.Len(t, svc.requests, 1)
	assert.Equal(t, SolanaChainID, svc.requests[0].SrcChainID)
	assert.Equal(t, "sig", svc.requests[0].TxSignature)
	for _, header := range svc.auth {
		assert.Equal(t, "Bearer secret", header)
	}

	raw, err := DecodeProof(proof)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)
}

func TestWaitForProofReportsServiceError(t *testing.T) {
	svc := &fakeService{statuses: []ProofStatus{{Status: StatusError, Error: "bad tx"}}}
	var delays []time.Duration
	client := dialFake(t, svc, recordSleeps(&delays))

	_, err := client.WaitForProof(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProofFailed))
	assert.Contains(t, err.Error(), "bad tx")
	assert.False(t, xerrors.RetryableError(err))
	assert.Empty(t, delays)
}

func TestWaitForProofTimesOut(t *testing.T) {
	svc := &fakeService{statuses: []ProofStatus{{Status: StatusPending}}}
	var delays []time.Duration
	client := dialFake(t, svc, recordSleeps(&delays))

	_, err := client.WaitForProof(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPollTimeout))
	assert.True(t, xerrors.RetryableError(err))
	assert.Equal(t, 20, svc.queries)
	require.Len(t, delays, 20)
	assert.Equal(t, 10*time.Second, delays[len(delays)-1])
}

type flakyCaller struct {
	calls int
	fail  int
}

func (f *flakyCaller) CallContext(_ context.Context, result any, _ string, _ ...any) error {
	f.calls++
	if f.calls <= f.fail {
		return syscall.ECONNREFUSED
	}
	*(result.(*ProofStatus)) = ProofStatus{Status: StatusComplete, Proof: "AA=="}
	return nil
}

func (f *flakyCaller) Close() {}

func TestWaitForProofRetriesNetworkErrors(t *testing.T) {
	caller := &flakyCaller{fail: 2}
	var delays []time.Duration
	client := newClient(caller, recordSleeps(&delays))

	proof, err := client.WaitForProof(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "AA==", proof)
	assert.Equal(t, 3, caller.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, delays)
}

func TestJobIDAcceptsNumbersAndStrings(t *testing.T) {
	var id JobID
	require.NoError(t, json.Unmarshal([]byte(`17`), &id))
	assert.Equal(t, JobID("17"), id)
	require.NoError(t, json.Unmarshal([]byte(`"job-1"`), &id))
	assert.Equal(t, JobID("job-1"), id)

	out, err := json.Marshal(JobID("17"))
	require.NoError(t, err)
	assert.Equal(t, "17", string(out))
	out, err = json.Marshal(JobID("job-1"))
	require.NoError(t, err)
	assert.Equal(t, `"job-1"`, string(out))
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
