package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"

	"OpenProof-Chain/internal/auth"
	"OpenProof-Chain/internal/client"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/observability/metrics"
	"OpenProof-Chain/internal/storage/mysql"
	"OpenProof-Chain/internal/task"
	"OpenProof-Chain/pkg/logger"
)

// Actions submits transactions on behalf of the node authority.
type Actions interface {
	Initialize(ctx context.Context) (*ledger.Receipt, error)
	Log(ctx context.Context, key, value string) (*ledger.Receipt, error)
	SwapAndLog(ctx context.Context, key, value string) (*ledger.Receipt, error)
	Nonce(ctx context.Context) (uint64, bool, error)
	LoadProof(ctx context.Context, data []byte, chunks int) ([]*ledger.Receipt, error)
	ValidateProof(ctx context.Context) (*client.Validation, error)
}

// Transactions looks up committed receipts.
type Transactions interface {
	Get(sig solana.Signature) (*ledger.Receipt, bool)
}

// Jobs manages proof jobs.
type Jobs interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// Dependencies wires the server to the rest of the node. Nil members disable
// the routes that need them.
type Dependencies struct {
	Actions      Actions
	Transactions Transactions
	Observations mysql.ObservationRepository
	Jobs         Jobs
}

// Option customises a Server.
type Option func(*Server)

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger overrides the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuth guards the write endpoints with operator tokens.
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	deps            Dependencies
	engine          *gin.Engine
	shutdownTimeout time.Duration
	auth            *auth.Service
	logger          *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.engine = s.routes()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), accessLog(s.logger), observe())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/api/v1")
	ledgerWrite := s.auth.Require(auth.PermLedgerWrite)
	v1.POST("/logger/initialize", ledgerWrite, s.handleInitialize)
	v1.POST("/logger/log", ledgerWrite, s.handleLog)
	v1.POST("/logger/swap", ledgerWrite, s.handleSwap)
	v1.GET("/logger/nonce", s.handleNonce)
	v1.POST("/proofs/load", ledgerWrite, s.handleLoadProof)
	v1.POST("/proofs/validate", ledgerWrite, s.handleValidateProof)
	v1.GET("/transactions/:signature", s.handleTransaction)
	v1.GET("/events", s.handleEvents)
	v1.POST("/jobs", s.auth.Require(auth.PermJobsWrite), s.handleSubmitJob)
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/stats", s.handleJobStats)
	v1.GET("/jobs/:id", s.handleJobDetail)
	return engine
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.engine),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
