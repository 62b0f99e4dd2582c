package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/internal/evm"
	"OpenProof-Chain/internal/task"
)

// KeyValueRequest is the body of the logger endpoints.
type KeyValueRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LoadProofRequest is the body of POST /api/v1/proofs/load. Proof may be
// base64, 0x hex or a JSON byte array.
type LoadProofRequest struct {
	Proof  string `json:"proof"`
	Chunks int    `json:"chunks"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Jobs != nil {
		if stats, err := s.deps.Jobs.Stats(c.Request.Context()); err == nil {
			body["jobs"] = stats
		} else {
			body["status"] = "degraded"
			body["jobs_error"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleInitialize(c *gin.Context) {
	if s.deps.Actions == nil {
		unavailable(c, "链上操作")
		return
	}
	receipt, err := s.deps.Actions.Initialize(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newReceiptView(receipt))
}

func (s *Server) bindKeyValue(c *gin.Context) (KeyValueRequest, bool) {
	var req KeyValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体解析失败")
		return req, false
	}
	return req, true
}

func (s *Server) handleLog(c *gin.Context) {
	if s.deps.Actions == nil {
		unavailable(c, "链上操作")
		return
	}
	req, ok := s.bindKeyValue(c)
	if !ok {
		return
	}
	receipt, err := s.deps.Actions.Log(c.Request.Context(), req.Key, req.Value)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newReceiptView(receipt))
}

func (s *Server) handleSwap(c *gin.Context) {
	if s.deps.Actions == nil {
		unavailable(c, "链上操作")
		return
	}
	req, ok := s.bindKeyValue(c)
	if !ok {
		return
	}
	receipt, err := s.deps.Actions.SwapAndLog(c.Request.Context(), req.Key, req.Value)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newReceiptView(receipt))
}

func (s *Server) handleNonce(c *gin.Context) {
	if s.deps.Actions == nil {
		unavailable(c, "链上操作")
		return
	}
	nonce, initialized, err := s.deps.Actions.Nonce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NonceView{Initialized: initialized, Nonce: nonce})
}

func (s *Server) handleLoadProof(c *gin.Context) {
	if s.deps.Actions == nil {
		unavailable(c, "链上操作")
		return
	}
	var req LoadProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体解析失败")
		return
	}
	data, err := evm.ParseProof(req.Proof)
	if err != nil {
		writeError(c, err)
		return
	}
	receipts, err := s.deps.Actions.LoadProof(c.Request.Context(), data, req.Chunks)
	if err != nil {
		writeError(c, err)
		return
	}
	view := LoadView{Bytes: len(data), Chunks: len(receipts), Transactions: make([]ReceiptView, len(receipts))}
	for i, r := range receipts {
		view.Transactions[i] = newReceiptView(r)
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleValidateProof(c *gin.Context) {
	if s.deps.Actions == nil {
		unavailable(c, "链上操作")
		return
	}
	validation, err := s.deps.Actions.ValidateProof(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newValidationView(validation))
}

func (s *Server) handleTransaction(c *gin.Context) {
	if s.deps.Transactions == nil {
		unavailable(c, "交易查询")
		return
	}
	sig, err := solana.SignatureFromBase58(c.Param("signature"))
	if err != nil {
		badRequest(c, "交易签名格式错误")
		return
	}
	receipt, ok := s.deps.Transactions.Get(sig)
	if !ok {
		writeError(c, xerrors.New(xerrors.CodeNotFound, "交易不存在或已超出保留范围"))
		return
	}
	c.JSON(http.StatusOK, newReceiptView(receipt))
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Observations == nil {
		unavailable(c, "索引器")
		return
	}
	ctx := c.Request.Context()
	if sig := strings.TrimSpace(c.Query("signature")); sig != "" {
		records, err := s.deps.Observations.ListBySignature(ctx, sig)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
		return
	}
	limit, ok := intQuery(c, "limit", 50)
	if !ok {
		return
	}
	records, err := s.deps.Observations.ListLatest(ctx, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	if s.deps.Jobs == nil {
		unavailable(c, "证明任务")
		return
	}
	var req task.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求体解析失败")
		return
	}
	job, err := s.deps.Jobs.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleJobDetail(c *gin.Context) {
	if s.deps.Jobs == nil {
		unavailable(c, "证明任务")
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		badRequest(c, "缺少任务 ID")
		return
	}
	job, err := s.deps.Jobs.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	if s.deps.Jobs == nil {
		unavailable(c, "证明任务")
		return
	}
	opts, ok := listOptions(c)
	if !ok {
		return
	}
	jobs, err := s.deps.Jobs.List(c.Request.Context(), opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleJobStats(c *gin.Context) {
	if s.deps.Jobs == nil {
		unavailable(c, "证明任务")
		return
	}
	opts, ok := listOptions(c)
	if !ok {
		return
	}
	stats, err := s.deps.Jobs.Stats(c.Request.Context(), opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func listOptions(c *gin.Context) ([]task.ListOption, bool) {
	var opts []task.ListOption
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return nil, false
	}
	if limit > 0 {
		opts = append(opts, task.WithLimit(limit))
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return nil, false
	}
	if offset > 0 {
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		statuses, err := task.ParseStatuses(raw)
		if err != nil {
			badRequest(c, err.Error())
			return nil, false
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	for _, bound := range []struct {
		name string
		opt  func(time.Time) task.ListOption
	}{
		{"updated_since", task.WithUpdatedSince},
		{"updated_until", task.WithUpdatedUntil},
	} {
		ts, err := task.ParseTime(c.Query(bound.name))
		if err != nil {
			badRequest(c, "参数 "+bound.name+": "+err.Error())
			return nil, false
		}
		if !ts.IsZero() {
			opts = append(opts, bound.opt(ts))
		}
	}
	if raw := strings.TrimSpace(c.Query("has_result")); raw != "" {
		present, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "参数 has_result 必须为布尔值")
			return nil, false
		}
		opts = append(opts, task.WithResult(present))
	}
	if q := c.Query("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	order, err := task.ParseSortOrder(c.Query("order"))
	if err != nil {
		badRequest(c, err.Error())
		return nil, false
	}
	opts = append(opts, task.WithSortOrder(order))
	return opts, true
}

func intQuery(c *gin.Context, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		badRequest(c, "参数 "+name+" 必须为非负整数")
		return 0, false
	}
	return v, true
}
