package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/eaglebank/transaction-service/internal/command"
	"github.com/eaglebank/transaction-service/internal/repository"
	"github.com/eaglebank/transaction-service/shared/cqrs"
	"github.com/eaglebank/transaction-service/shared/middleware"
	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/eaglebank/transaction-service/shared/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	IdempotencyKeyHeader   = "Idempotency-Key"
	IdempotentReplayHeader = "X-Idempotency-Replayed"

	// AdminRole may post to any account; other callers only to their own.
	AdminRole = "admin"
)

// TransactionCommander defines the write-side operations used by TransactionHandler.
type TransactionCommander interface {
	CreateTransaction(context.Context, cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error)
}

// TransactionQuerier defines the read-side operations used by TransactionHandler.
type TransactionQuerier interface {
	GetTransaction(context.Context, cqrs.GetTransactionQuery) (*models.TransactionView, error)
	ListTransactions(context.Context, cqrs.ListTransactionsQuery) ([]models.TransactionView, error)
}

type TransactionHandler struct {
	commands TransactionCommander
	queries  TransactionQuerier
	logger   *zap.Logger
}

type CreateTransactionRequest struct {
	Type             string          `json:"type" validate:"required,oneof=credit debit transfer"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" validate:"required,len=3,uppercase"`
	Channel          string          `json:"channel" validate:"omitempty,oneof=online pos atm mobile branch"`
	IdempotencyKey   string          `json:"idempotencyKey" validate:"omitempty,max=128"`
	MerchantName     string          `json:"merchantName" validate:"omitempty,max=255"`
	MerchantCategory string          `json:"merchantCategory" validate:"omitempty,max=64"`
	CountryCode      string          `json:"countryCode" validate:"omitempty,len=2"`
	IPAddress        string          `json:"ipAddress" validate:"omitempty,ip"`
	DeviceID         string          `json:"deviceId" validate:"omitempty,max=128"`
	Description      string          `json:"description" validate:"omitempty,max=500"`
}

type CreateTransactionResponse struct {
	Transaction     *models.TransactionView `json:"transaction"`
	FraudAnnotation *models.FraudAnnotation `json:"fraudAnnotation,omitempty"`
	Published       bool                    `json:"published"`
	FaultFlags      command.FaultFlags      `json:"faultFlags"`
}

type ListTransactionsResponse struct {
	Transactions []models.TransactionView `json:"transactions"`
}

func NewTransactionHandler(commands TransactionCommander, queries TransactionQuerier, logger *zap.Logger) *TransactionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionHandler{commands: commands, queries: queries, logger: logger}
}

// RegisterRoutes mounts the transaction routes on group, which must already
// carry the auth middleware. createRole gates POST; empty allows any caller.
func (h *TransactionHandler) RegisterRoutes(group *gin.RouterGroup, createRole string) {
	group.POST("", middleware.RequireRole(createRole), h.CreateTransaction)
	group.GET("", h.ListTransactions)
	group.GET("/:transactionId", h.GetTransaction)
}

func (h *TransactionHandler) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	if key == "" {
		middleware.RespondWithError(c, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	result, err := h.commands.CreateTransaction(c.Request.Context(), cqrs.CreateTransactionCommand{
		AccountID:        c.Param("accountId"),
		CustomerID:       h.ownerScope(c),
		Type:             req.Type,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Channel:          req.Channel,
		IdempotencyKey:   key,
		MerchantName:     req.MerchantName,
		MerchantCategory: req.MerchantCategory,
		CountryCode:      req.CountryCode,
		IPAddress:        req.IPAddress,
		DeviceID:         req.DeviceID,
		Description:      req.Description,
	})
	if err != nil {
		h.respondWithError(c, err, "Failed to create transaction")
		return
	}

	resp := CreateTransactionResponse{
		Transaction:     result.Transaction.ToView(),
		FraudAnnotation: result.FraudAnnotation,
		Published:       result.Published,
		FaultFlags:      result.Faults,
	}
	if result.Replayed {
		c.Header(IdempotentReplayHeader, "true")
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *TransactionHandler) ListTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			middleware.RespondWithError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	views, err := h.queries.ListTransactions(c.Request.Context(), cqrs.ListTransactionsQuery{
		AccountID:  c.Param("accountId"),
		CustomerID: h.ownerScope(c),
		Limit:      limit,
	})
	if err != nil {
		h.respondWithError(c, err, "Failed to list transactions")
		return
	}
	if views == nil {
		views = []models.TransactionView{}
	}
	c.JSON(http.StatusOK, ListTransactionsResponse{Transactions: views})
}

func (h *TransactionHandler) GetTransaction(c *gin.Context) {
	if !utils.ValidateTransactionID(c.Param("transactionId")) {
		middleware.RespondWithError(c, http.StatusNotFound, "Transaction not found")
		return
	}

	view, err := h.queries.GetTransaction(c.Request.Context(), cqrs.GetTransactionQuery{
		TransactionID: c.Param("transactionId"),
		AccountID:     c.Param("accountId"),
		CustomerID:    h.ownerScope(c),
	})
	if err != nil {
		h.respondWithError(c, err, "Failed to get transaction")
		return
	}
	c.JSON(http.StatusOK, view)
}

// ownerScope is the customer the request is restricted to. Admins act on
// behalf of any customer.
func (h *TransactionHandler) ownerScope(c *gin.Context) string {
	if middleware.HasRole(c, AdminRole) {
		return ""
	}
	userID, _ := middleware.GetUserID(c)
	return userID
}

func (h *TransactionHandler) respondWithError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, command.ErrValidation):
		middleware.RespondWithError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrInvalidAmount):
		middleware.RespondWithError(c, http.StatusBadRequest, "Amount must be greater than zero")
	case errors.Is(err, repository.ErrCurrencyMismatch):
		middleware.RespondWithError(c, http.StatusBadRequest, "Currency does not match account currency")
	case errors.Is(err, repository.ErrCustomerMismatch):
		middleware.RespondWithError(c, http.StatusForbidden, "You can only access your own accounts")
	case errors.Is(err, repository.ErrAccountNotFound):
		middleware.RespondWithError(c, http.StatusNotFound, "Account not found")
	case errors.Is(err, repository.ErrTransactionNotFound):
		middleware.RespondWithError(c, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, repository.ErrAccountNotTransactable):
		middleware.RespondWithError(c, http.StatusConflict, "Account does not accept transactions")
	case errors.Is(err, repository.ErrConcurrentModification):
		middleware.RespondWithError(c, http.StatusConflict, "Account was modified concurrently, retry the request")
	case errors.Is(err, repository.ErrInsufficientFunds):
		middleware.RespondWithError(c, http.StatusUnprocessableEntity, "Insufficient funds")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		middleware.RespondWithError(c, http.StatusServiceUnavailable, "Request cancelled")
	default:
		h.logger.Error(fallback,
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err),
		)
		middleware.RespondWithError(c, http.StatusInternalServerError, fallback)
	}
}
