// Package adminapi exposes the operator surface: health, metrics, dead letter
// inspection and replay, event stream reads and account balances.
package adminapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/easymo/txcore/pkg/eventlog"
	"github.com/easymo/txcore/pkg/ledger"
	"github.com/easymo/txcore/pkg/queue"
	"github.com/easymo/txcore/pkg/txcore"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultDeadLetterLimit = 50
	defaultHistoryLimit    = 50
	shutdownTimeout        = 5 * time.Second
)

// Config carries the HTTP listener settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Dependencies are the domain services the handlers call into.
type Dependencies struct {
	Ledger   *ledger.Service
	Queue    *queue.Queue
	EventLog *eventlog.Log
	Logger   *zap.Logger
}

// Run serves the admin API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{deps: deps, logger: logger}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("adminapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/v1")
	api.GET("/deadletters", handler.handleListDeadLetters)
	api.POST("/deadletters/:id/replay", handler.handleReplay)
	api.GET("/streams/:aggregate_id/events", handler.handleStreamEvents)
	api.GET("/accounts/:id/balance", handler.handleBalance)

	return router
}

type httpHandler struct {
	deps   Dependencies
	logger *zap.Logger
}

func (handler *httpHandler) handleListDeadLetters(ctx *gin.Context) {
	queueName := ctx.Query("queue")
	limit := queryInt(ctx, "limit", defaultDeadLetterLimit)
	items, err := handler.deps.Queue.DeadLetters(ctx.Request.Context(), queueName, limit)
	if err != nil {
		handler.respondError(ctx, "dead letter list failed", err)
		return
	}
	payload := make([]deadLetterPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, deadLetterPayload{
			ItemID:         item.ItemID,
			QueueName:      item.QueueName,
			Attempts:       item.Attempts,
			MaxAttempts:    item.MaxAttempts,
			LastError:      item.LastError,
			UpdatedUnixUTC: item.UpdatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"items": payload})
}

func (handler *httpHandler) handleReplay(ctx *gin.Context) {
	itemID := ctx.Param("id")
	replayID, err := handler.deps.Queue.Replay(ctx.Request.Context(), itemID)
	if err != nil {
		handler.respondError(ctx, "replay failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"replay_item_id": replayID})
}

func (handler *httpHandler) handleStreamEvents(ctx *gin.Context) {
	aggregateID := ctx.Param("aggregate_id")
	fromVersion := int64(queryInt(ctx, "from_version", 1))
	cursor := handler.deps.EventLog.ReadStream(aggregateID, fromVersion)
	events, err := cursor.Next(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, "stream read failed", err)
		return
	}
	payload := make([]eventPayload, 0, len(events))
	for _, event := range events {
		payload = append(payload, eventPayload{
			EventID:        event.EventID,
			AggregateType:  event.AggregateType,
			EventType:      event.EventType,
			Version:        event.Version,
			Payload:        string(event.Payload),
			CorrelationID:  event.CorrelationID,
			CreatedUnixUTC: event.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"events": payload})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account", err.Error()))
		return
	}
	balanceMinor, err := handler.deps.Ledger.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, "balance lookup failed", err)
		return
	}
	entries, err := handler.deps.Ledger.ListEntries(ctx.Request.Context(), accountID, 0, defaultHistoryLimit)
	if err != nil {
		handler.respondError(ctx, "entry list failed", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:           entry.EntryID,
			AmountMinor:       entry.AmountMinor,
			BalanceAfterMinor: entry.BalanceAfterMinor,
			IdempotencyKey:    entry.IdempotencyKey,
			CreatedUnixUTC:    entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":    accountID.String(),
		"balance_minor": balanceMinor,
		"entries":       payload,
	})
}

// respondError maps the error taxonomy onto HTTP statuses: validation 400,
// conflict 409, transient 503, everything else 500.
func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, txcore.ErrValidation):
		ctx.JSON(http.StatusBadRequest, errorResponse("validation", err.Error()))
	case errors.Is(err, txcore.ErrConflict):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", err.Error()))
	case errors.Is(err, txcore.ErrTransient):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("transient", err.Error()))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", message))
	}
}

func queryInt(ctx *gin.Context, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type deadLetterPayload struct {
	ItemID         string `json:"item_id"`
	QueueName      string `json:"queue_name"`
	Attempts       int    `json:"attempts"`
	MaxAttempts    int    `json:"max_attempts"`
	LastError      string `json:"last_error"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type entryPayload struct {
	EntryID           string `json:"entry_id"`
	AmountMinor       int64  `json:"amount_minor"`
	BalanceAfterMinor int64  `json:"balance_after_minor"`
	IdempotencyKey    string `json:"idempotency_key"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

type eventPayload struct {
	EventID        string `json:"event_id"`
	AggregateType  string `json:"aggregate_type"`
	EventType      string `json:"event_type"`
	Version        int64  `json:"version"`
	Payload        string `json:"payload"`
	CorrelationID  string `json:"correlation_id"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
