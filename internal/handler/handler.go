package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"credex/internal/exchange"
	"credex/internal/ledger"
	"credex/internal/model"
	"credex/internal/rate"
	"credex/internal/store"
)

// Handler wires the HTTP surface to the exchange pipelines.
type Handler struct {
	pipeline *exchange.Pipeline
	engine   *rate.Engine
	store    *store.Store
	adminKey string
}

func NewHandler(pipeline *exchange.Pipeline, engine *rate.Engine, st *store.Store, adminKey string) *Handler {
	return &Handler{
		pipeline: pipeline,
		engine:   engine,
		store:    st,
		adminKey: adminKey,
	}
}

// AdminAuth middleware checks if the request has a valid admin API key
func (h *Handler) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey != h.adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.Response{
				Success: false,
				Error:   "invalid API key",
			})
			return
		}
		c.Next()
	}
}

// Quote prices an exchange in either direction without committing anything.
func (h *Handler) Quote(c *gin.Context) {
	var req model.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "amount must be positive",
		})
		return
	}
	if req.Direction != model.DirectionWithdraw && req.Direction != model.DirectionDeposit {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "direction must be withdraw or deposit",
		})
		return
	}

	quote, _, err := h.engine.Quote(c.Request.Context(), req.Direction, req.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to compute quote",
		})
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data:    quote,
	})
}

// Withdraw starts a credits→token exchange. The response status is completed
// when settlement finished synchronously, otherwise the current state of the
// request; either way the requestId can be polled.
func (h *Handler) Withdraw(c *gin.Context) {
	var req model.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.pipeline.InitiateWithdrawal(c.Request.Context(), req)
	if err != nil {
		status, msg := withdrawalErrorStatus(err)
		c.JSON(status, model.Response{Success: false, Error: msg})
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data: model.WithdrawResponse{
			RequestID: result.ID,
			Status:    result.Status,
		},
	})
}

func withdrawalErrorStatus(err error) (int, string) {
	var quotaErr *exchange.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		return http.StatusBadRequest, quotaErr.Error()
	case errors.Is(err, exchange.ErrBelowMinimum),
		errors.Is(err, ledger.ErrInvalidAddress),
		errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "user not found"
	default:
		return http.StatusInternalServerError, "failed to process withdrawal"
	}
}

// WithdrawalStatus reports where a request is in its lifecycle.
func (h *Handler) WithdrawalStatus(c *gin.Context) {
	req, err := h.pipeline.GetWithdrawal(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, model.Response{
			Success: false,
			Error:   "withdrawal not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to load withdrawal",
		})
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data: model.WithdrawalStatusResponse{
			Status:      req.Status,
			TxReference: req.TxReference,
			ErrorReason: req.ErrorReason,
		},
	})
}

// ConfirmDeposit grants credits for an observed token transfer.
func (h *Handler) ConfirmDeposit(c *gin.Context) {
	var req model.ConfirmDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	rec, err := h.pipeline.CompleteDeposit(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, exchange.ErrBelowMinimum):
			c.JSON(http.StatusBadRequest, model.Response{Success: false, Error: err.Error()})
		case errors.Is(err, exchange.ErrTransferNotObserved):
			c.JSON(http.StatusBadRequest, model.Response{Success: false, Error: "payment not received"})
		default:
			c.JSON(http.StatusInternalServerError, model.Response{Success: false, Error: "failed to process deposit"})
		}
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data: model.ConfirmDepositResponse{
			CreditsGranted: rec.CreditsGranted,
		},
	})
}

// CreatePlayer provisions a player balance record (admin only).
func (h *Handler) CreatePlayer(c *gin.Context) {
	var req struct {
		ID      string          `json:"id" binding:"required"`
		Credits decimal.Decimal `json:"credits"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	player, err := h.store.CreatePlayer(c.Request.Context(), req.ID, req.Credits)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to create player",
		})
		return
	}
	c.JSON(http.StatusOK, model.Response{Success: true, Data: player})
}

// GetPlayer returns a player's balance and exchange counters.
func (h *Handler) GetPlayer(c *gin.Context) {
	player, err := h.store.GetPlayer(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, model.Response{
			Success: false,
			Error:   "player not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to get player",
		})
		return
	}
	c.JSON(http.StatusOK, model.Response{Success: true, Data: player})
}

// GetRate returns the current exchange-rate record (admin only).
func (h *Handler) GetRate(c *gin.Context) {
	rateRec, err := h.store.ExchangeRate(c.Request.Context())
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, model.Response{
			Success: false,
			Error:   "exchange rate not configured",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to load exchange rate",
		})
		return
	}
	c.JSON(http.StatusOK, model.Response{Success: true, Data: rateRec})
}

// PutRate replaces the exchange-rate record (admin only).
func (h *Handler) PutRate(c *gin.Context) {
	var req struct {
		CreditsPerToken  decimal.Decimal `json:"creditsPerToken" binding:"required"`
		TokenPerCredit   decimal.Decimal `json:"tokenPerCredit" binding:"required"`
		FeeRatio         decimal.Decimal `json:"feeRatio"`
		DailyLimitTokens decimal.Decimal `json:"dailyLimitTokens" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}
	if req.FeeRatio.IsNegative() || req.FeeRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "feeRatio must be in [0, 1)",
		})
		return
	}
	if !req.CreditsPerToken.IsPositive() || !req.TokenPerCredit.IsPositive() {
		c.JSON(http.StatusBadRequest, model.Response{
			Success: false,
			Error:   "rates must be positive",
		})
		return
	}

	rateRec := model.ExchangeRate{
		CreditsPerToken:  req.CreditsPerToken,
		TokenPerCredit:   req.TokenPerCredit,
		FeeRatio:         req.FeeRatio,
		DailyLimitTokens: req.DailyLimitTokens,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := h.store.PutExchangeRate(c.Request.Context(), rateRec); err != nil {
		c.JSON(http.StatusInternalServerError, model.Response{
			Success: false,
			Error:   "failed to update exchange rate",
		})
		return
	}
	c.JSON(http.StatusOK, model.Response{Success: true, Data: rateRec})
}

// RedriveWithdrawal manually retries the on-chain leg of a failed withdrawal
// (admin only). Credits are never debited again on this path.
func (h *Handler) RedriveWithdrawal(c *gin.Context) {
	force := c.Query("force") == "true"

	req, err := h.pipeline.Redrive(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, model.Response{Success: false, Error: "withdrawal not found"})
		case errors.Is(err, store.ErrInvalidStatus):
			c.JSON(http.StatusBadRequest, model.Response{Success: false, Error: "withdrawal is not in failed status"})
		case errors.Is(err, exchange.ErrPermanentFailure):
			c.JSON(http.StatusConflict, model.Response{Success: false, Error: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, model.Response{Success: false, Error: "failed to re-drive withdrawal"})
		}
		return
	}

	c.JSON(http.StatusOK, model.Response{
		Success: true,
		Data: model.WithdrawResponse{
			RequestID: req.ID,
			Status:    req.Status,
		},
	})
}
