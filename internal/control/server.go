// Package control exposes the operator HTTP surface: blocks, kill, status and account queries.
package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/execution"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	dateLayout      = "2006-01-02"
)

// Engine is the operator-controllable part of the execution engine.
type Engine interface {
	BlockPurchases()
	BlockTransactions()
	Unblock()
	Kill()
	Status() execution.Status
}

// Account answers funds and transaction queries.
type Account interface {
	Funds(ctx context.Context) ([]broker.AccountFunds, error)
	Transactions(ctx context.Context, filter broker.TransactionFilter) ([]broker.Transaction, error)
}

// Server routes operator requests to the engine and the brokerage.
type Server struct {
	engine  Engine
	account Account
	log     zerolog.Logger
	now     func() time.Time
}

// NewServer wires a control server.
func NewServer(engine Engine, account Account, log zerolog.Logger) *Server {
	return &Server{engine: engine, account: account, log: log, now: time.Now}
}

// Routes builds the gin router.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	ctl := r.Group("/control")
	ctl.GET("/status", s.status)
	ctl.POST("/block-purchases", s.command("block purchases", s.engine.BlockPurchases))
	ctl.POST("/block-transactions", s.command("block transactions", s.engine.BlockTransactions))
	ctl.POST("/unblock", s.command("unblock", s.engine.Unblock))
	ctl.POST("/kill", s.command("kill", s.engine.Kill))

	r.GET("/funds", s.funds)
	r.GET("/transactions", s.transactions)
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("control surface up")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) command(name string, apply func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		apply()
		s.log.Warn().Str("command", name).Str(requestIDKey, c.GetString(requestIDKey)).Msg("operator command")
		c.JSON(http.StatusOK, s.engine.Status())
	}
}

func (s *Server) funds(c *gin.Context) {
	funds, err := s.account.Funds(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": funds})
}

func (s *Server) transactions(c *gin.Context) {
	date := c.DefaultQuery("date", s.now().Format(dateLayout))
	if _, err := time.Parse(dateLayout, date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	txs, err := s.account.Transactions(c.Request.Context(), broker.TransactionFilter{Date: date, Types: broker.DefaultTransactionTypes})
	if err != nil {
		s.fail(c, err)
		return
	}
	if txs == nil {
		txs = []broker.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "transactions": txs})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, broker.ErrConnectivity) {
		status = http.StatusBadGateway
	}
	s.log.Error().Err(err).Str(requestIDKey, c.GetString(requestIDKey)).Str("path", c.FullPath()).Msg("control request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Set(requestIDKey, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("latency", time.Since(start)).
			Str(requestIDKey, c.GetString(requestIDKey)).Msg("control request")
	}
}
