// Package httpapi exposes the game, wallet, webhook, and admin endpoints
// over gin.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/spinbank/internal/adminconfig"
	"github.com/MarkoPoloResearchLab/spinbank/internal/reconcile"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/spin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const webhookSignatureHeader = "X-Webhook-Signature"

// MachineCatalog serves the playable machines.
type MachineCatalog interface {
	ListActiveMachines(ctx context.Context) ([]spin.Machine, error)
	GetMachine(ctx context.Context, machineID string) (spin.Machine, error)
}

// Dispatcher hands transactions and webhooks to the reconciliation worker.
type Dispatcher interface {
	EnqueueDeposit(ctx context.Context, transactionID string) error
	EnqueueWithdrawal(ctx context.Context, transactionID string) error
	HandleWebhook(ctx context.Context, signatureHeader string, rawBody []byte) error
}

// Deps carries the wired services the API fronts.
type Deps struct {
	Logger      *zap.Logger
	Bank        *bank.Service
	Engine      *spin.Engine
	AdminConfig *adminconfig.Service
	Machines    MachineCatalog
	Players     PlayerRegistry
	Dispatch    Dispatcher
}

// Run boots the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Bank == nil || deps.Engine == nil || deps.AdminConfig == nil || deps.Machines == nil || deps.Dispatch == nil {
		return fmt.Errorf("httpapi: bank, engine, admin config, machines, and dispatcher are required")
	}

	handler := &httpHandler{
		logger:      deps.Logger,
		bank:        deps.Bank,
		engine:      deps.Engine,
		adminConfig: deps.AdminConfig,
		machines:    deps.Machines,
		players:     deps.Players,
		dispatch:    deps.Dispatch,
		cfg:         cfg,
	}

	router := SetupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("spinbank api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewHandler wires a handler without starting a listener (tests).
func NewHandler(cfg Config, deps Deps) (http.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:      deps.Logger,
		bank:        deps.Bank,
		engine:      deps.Engine,
		adminConfig: deps.AdminConfig,
		machines:    deps.Machines,
		players:     deps.Players,
		dispatch:    deps.Dispatch,
		cfg:         cfg,
	}
	return SetupRouter(cfg, handler), nil
}

// SetupRouter registers every route on a fresh gin engine.
func SetupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider callbacks authenticate by signature, not session; the machine
	// catalog is the lobby view and needs no session either.
	router.POST("/api/deposit/webhook", handler.handleWebhook)
	router.GET("/api/machines", handler.handleMachines)

	api := router.Group("/api")
	api.Use(handler.authMiddleware())

	api.POST("/game/spin", handler.handleSpin)
	api.GET("/wallet/balance", handler.handleBalance)
	api.POST("/wallet/deposit", handler.handleDeposit)
	api.POST("/wallet/withdraw", handler.handleWithdraw)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin())
	admin.GET("/config", handler.handleGetAdminConfig)
	admin.POST("/config", handler.handleSetAdminConfig)

	return router
}

type httpHandler struct {
	logger      *zap.Logger
	bank        *bank.Service
	engine      *spin.Engine
	adminConfig *adminconfig.Service
	machines    MachineCatalog
	players     PlayerRegistry
	dispatch    Dispatcher
	cfg         Config
}

type spinRequest struct {
	MachineID string        `json:"machineId"`
	Bet       int64         `json:"bet"`
	Outcome   *spin.Outcome `json:"outcome,omitempty"`
}

type depositRequest struct {
	Amount int64 `json:"amount"`
}

type withdrawRequest struct {
	Amount int64 `json:"amount"`
}

type adminConfigPayload struct {
	TargetRTP        float64 `json:"targetRtp"`
	MaxWinMultiplier float64 `json:"maxWinMultiplier"`
}

type machinePayload struct {
	MachineID  string               `json:"machineId"`
	Name       string               `json:"name"`
	Paytable   []spin.PaytableEntry `json:"paytable"`
	RTP        float64              `json:"rtp"`
	Volatility string               `json:"volatility"`
}

type transactionPayload struct {
	TransactionID  string `json:"transactionId"`
	Type           string `json:"type"`
	AmountCredits  int64  `json:"amountCredits"`
	Status         string `json:"status"`
	ExternalRef    string `json:"externalRef,omitempty"`
	CreatedUnixUTC int64  `json:"createdUnixUtc"`
}

func transactionToPayload(transaction bank.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		Type:           transaction.Type.String(),
		AmountCredits:  transaction.AmountCredits,
		Status:         transaction.Status.String(),
		ExternalRef:    transaction.ExternalRef,
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func (handler *httpHandler) handleMachines(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	machines, err := handler.machines.ListActiveMachines(requestCtx)
	if err != nil {
		handler.logger.Error("machine list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "machines unavailable"))
		return
	}
	payload := make([]machinePayload, 0, len(machines))
	for _, machine := range machines {
		payload = append(payload, machinePayload{
			MachineID:  machine.MachineID,
			Name:       machine.Name,
			Paytable:   machine.Paytable,
			RTP:        machine.RTP,
			Volatility: machine.Volatility,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"machines": payload})
}

func (handler *httpHandler) handleSpin(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request spinRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Bet < minimumBetCredits || request.Bet > maximumBetCredits {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_bet", fmt.Sprintf("bet must be between %d and %d", minimumBetCredits, maximumBetCredits)))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	payoutConfig := handler.adminConfig.Get(requestCtx)
	engineConfig := spin.Config{
		TargetRTP:        payoutConfig.TargetRTP,
		MaxWinMultiplier: payoutConfig.MaxWinMultiplier,
	}

	outcome, ok := handler.spinOutcome(ctx, request, engineConfig)
	if !ok {
		return
	}

	playerID, err := bank.NewPlayerID(claims.PlayerID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid player id"))
		return
	}
	betCredits, err := bank.NewCredits(request.Bet)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_bet", "bet must be positive"))
		return
	}

	resultJSON, err := json.Marshal(outcome)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "outcome encoding failed"))
		return
	}

	settlement, err := handler.bank.SettleSpin(requestCtx, playerID, betCredits, bank.SpinOutcome{
		PayoutCredits:   outcome.Payout,
		ResultJSON:      string(resultJSON),
		ServerNonce:     outcome.Nonce,
		ServerSignature: outcome.Signature,
	})
	if err != nil {
		if errors.Is(err, bank.ErrInsufficientFunds) {
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "balance below bet"))
			return
		}
		if errors.Is(err, bank.ErrDuplicateNonce) {
			ctx.JSON(http.StatusConflict, errorResponse("outcome_replayed", "outcome already settled"))
			return
		}
		handler.logger.Error("spin settlement failed",
			zap.String("player_id", claims.PlayerID()),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "spin settlement failed"))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"playerId":       claims.PlayerID(),
		"spinId":         settlement.SpinID,
		"transactionId":  settlement.BetTransactionID,
		"outcome":        outcome,
		"balanceCredits": settlement.NewBalance,
	})
}

// spinOutcome draws the outcome server-side, or, in compat mode, validates a
// signed outcome the client submitted. Writes the HTTP error itself when not ok.
func (handler *httpHandler) spinOutcome(ctx *gin.Context, request spinRequest, engineConfig spin.Config) (spin.Outcome, bool) {
	if request.Outcome != nil {
		if !handler.cfg.TrustClientOutcomes {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "client outcomes are not accepted"))
			return spin.Outcome{}, false
		}
		if !handler.engine.Verify(*request.Outcome) {
			ctx.JSON(http.StatusForbidden, errorResponse("invalid_signature", "outcome signature mismatch"))
			return spin.Outcome{}, false
		}
		if request.Outcome.Bet != request.Bet {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_bet", "outcome bet mismatch"))
			return spin.Outcome{}, false
		}
		return *request.Outcome, true
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	machine, err := handler.machines.GetMachine(requestCtx, request.MachineID)
	if err != nil {
		if errors.Is(err, spin.ErrUnknownMachine) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_machine", "machine not found"))
			return spin.Outcome{}, false
		}
		handler.logger.Error("machine fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "machine unavailable"))
		return spin.Outcome{}, false
	}

	outcome, err := handler.engine.Spin(machine.Paytable, request.Bet, engineConfig)
	if err != nil {
		if errors.Is(err, spin.ErrInvalidBet) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_bet", "bet must be positive"))
			return spin.Outcome{}, false
		}
		handler.logger.Error("spin draw failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "spin draw failed"))
		return spin.Outcome{}, false
	}
	return outcome, true
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	playerID, err := bank.NewPlayerID(claims.PlayerID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid player id"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	wallet, err := handler.bank.Balance(requestCtx, playerID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "wallet unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"playerId":       claims.PlayerID(),
		"walletId":       wallet.WalletID,
		"balanceCredits": wallet.BalanceCredits,
		"currency":       "credits",
	})
}

func (handler *httpHandler) handleDeposit(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	playerID, err := bank.NewPlayerID(claims.PlayerID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid player id"))
		return
	}
	amount, err := bank.NewCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	transaction, err := handler.bank.InitiateDeposit(requestCtx, playerID, amount)
	if err != nil {
		handler.logger.Error("deposit initiation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "deposit failed"))
		return
	}
	if err := handler.dispatch.EnqueueDeposit(ctx.Request.Context(), transaction.TransactionID); err != nil {
		handler.logger.Error("deposit enqueue failed",
			zap.String("transaction_id", transaction.TransactionID),
			zap.Error(err),
		)
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("queue_full", "deposit accepted later"))
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"transaction": transactionToPayload(transaction)})
}

func (handler *httpHandler) handleWithdraw(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request withdrawRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	playerID, err := bank.NewPlayerID(claims.PlayerID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid player id"))
		return
	}
	amount, err := bank.NewCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	transaction, newBalance, err := handler.bank.InitiateWithdrawal(requestCtx, playerID, amount)
	if err != nil {
		if errors.Is(err, bank.ErrInsufficientFunds) {
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "balance below requested amount"))
			return
		}
		handler.logger.Error("withdrawal initiation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "withdrawal failed"))
		return
	}
	if err := handler.dispatch.EnqueueWithdrawal(ctx.Request.Context(), transaction.TransactionID); err != nil {
		handler.logger.Error("withdrawal enqueue failed",
			zap.String("transaction_id", transaction.TransactionID),
			zap.Error(err),
		)
	}
	ctx.JSON(http.StatusAccepted, gin.H{
		"transaction":    transactionToPayload(transaction),
		"balanceCredits": newBalance,
	})
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	rawBody, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	signature := ctx.GetHeader(webhookSignatureHeader)

	err = handler.dispatch.HandleWebhook(ctx.Request.Context(), signature, rawBody)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, reconcile.ErrInvalidSignature):
		ctx.JSON(http.StatusForbidden, errorResponse("invalid_signature", "webhook signature mismatch"))
	case errors.Is(err, reconcile.ErrMalformedPayload), errors.Is(err, reconcile.ErrMissingReference):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
	case errors.Is(err, reconcile.ErrReferenceNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_reference", "no transaction matches the reference"))
	default:
		handler.logger.Error("webhook handling failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "webhook handling failed"))
	}
}

func (handler *httpHandler) handleGetAdminConfig(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	config := handler.adminConfig.Get(requestCtx)
	ctx.JSON(http.StatusOK, adminConfigPayload{
		TargetRTP:        config.TargetRTP,
		MaxWinMultiplier: config.MaxWinMultiplier,
	})
}

func (handler *httpHandler) handleSetAdminConfig(ctx *gin.Context) {
	var request adminConfigPayload
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	err := handler.adminConfig.Set(requestCtx, adminconfig.Config{
		TargetRTP:        request.TargetRTP,
		MaxWinMultiplier: request.MaxWinMultiplier,
	})
	if err != nil {
		if errors.Is(err, adminconfig.ErrInvalidConfig) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_config", err.Error()))
			return
		}
		handler.logger.Error("admin config update failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "config update failed"))
		return
	}
	ctx.JSON(http.StatusOK, request)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
