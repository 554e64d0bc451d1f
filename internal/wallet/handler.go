package wallet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/retailops/walletledger/internal/ledger"
	"github.com/retailops/walletledger/internal/middleware"
	"github.com/retailops/walletledger/internal/money"
)

const conflictRetryAfterSeconds = "1"

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service  *Service
	scale    int32
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler builds a wallet HTTP handler. Amounts on the wire are decimal
// major units converted at scale.
func NewHandler(service *Service, scale int32, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, scale: scale, validate: validator.New(), logger: logger}
}

type depositRequest struct {
	Amount       json.RawMessage `json:"amount" validate:"required"`
	SourceType   string          `json:"source_type" validate:"max=32"`
	SourceID     string          `json:"source_id" validate:"max=128"`
	Description  string          `json:"description" validate:"max=500"`
	InternalNote string          `json:"internal_note" validate:"max=1000"`
}

type withdrawRequest struct {
	Amount      json.RawMessage `json:"amount" validate:"required"`
	OrderID     string          `json:"order_id" validate:"max=128"`
	Description string          `json:"description" validate:"max=500"`
}

type issueCreditRequest struct {
	Amount         json.RawMessage `json:"amount" validate:"required"`
	ExpiryDays     *int            `json:"expiry_days" validate:"omitempty,min=0,max=3650"`
	SourceType     string          `json:"source_type" validate:"max=32"`
	SourceTicketID string          `json:"source_ticket_id" validate:"max=128"`
	SourceNote     string          `json:"source_note" validate:"max=1000"`
}

type freezeRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Deposit credits real money to a wallet.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	amount, err := h.amount(req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := h.service.Deposit(c.UserContext(), DepositInput{
		Phone:        c.Params("phone"),
		Amount:       amount,
		SourceType:   req.SourceType,
		SourceID:     req.SourceID,
		Description:  req.Description,
		InternalNote: req.InternalNote,
	}, middleware.OperationContextFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

// Withdraw debits a wallet, spending virtual credits before real balance.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	var req withdrawRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	amount, err := h.amount(req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := h.service.Withdraw(c.UserContext(), WithdrawInput{
		Phone:       c.Params("phone"),
		Amount:      amount,
		OrderID:     req.OrderID,
		Description: req.Description,
	}, middleware.OperationContextFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

// IssueCredit grants a virtual credit.
func (h *Handler) IssueCredit(c *fiber.Ctx) error {
	var req issueCreditRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	amount, err := h.amount(req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := h.service.IssueVirtualCredit(c.UserContext(), IssueInput{
		Phone:          c.Params("phone"),
		Amount:         amount,
		ExpiryDays:     req.ExpiryDays,
		SourceType:     req.SourceType,
		SourceTicketID: req.SourceTicketID,
		SourceNote:     req.SourceNote,
	}, middleware.OperationContextFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(res)
}

// Freeze blocks all mutations on a wallet.
func (h *Handler) Freeze(c *fiber.Ctx) error {
	var req freezeRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	view, err := h.service.Freeze(c.UserContext(), c.Params("phone"), req.Reason, middleware.OperationContextFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(view)
}

// Unfreeze lifts a freeze.
func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	view, err := h.service.Unfreeze(c.UserContext(), c.Params("phone"), middleware.OperationContextFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(view)
}

// Wallet returns the full wallet view.
func (h *Handler) Wallet(c *fiber.Ctx) error {
	view, err := h.service.GetWallet(c.UserContext(), c.Params("phone"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(view)
}

// Balance returns the real/virtual split.
func (h *Handler) Balance(c *fiber.Ctx) error {
	balance, err := h.service.GetBalance(c.UserContext(), c.Params("phone"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(balance)
}

// Transactions lists ledger entries, newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	filter, err := transactionFilter(c)
	if err != nil {
		return h.fail(c, err)
	}
	txs, err := h.service.ListTransactions(c.UserContext(), c.Params("phone"), filter)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"transactions": txs,
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

// Credits lists virtual credits, optionally by status.
func (h *Handler) Credits(c *fiber.Ctx) error {
	status := ledger.CreditStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	credits, err := h.service.ListCredits(c.UserContext(), c.Params("phone"), status)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"credits": credits})
}

func (h *Handler) bind(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return ledger.Wrap(ledger.KindInvalidInput, "malformed request body", err)
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Field() == "Amount" {
				return ledger.Errorf(ledger.KindInvalidAmount, "amount is required")
			}
			return ledger.Errorf(ledger.KindInvalidInput, "%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
		}
		return ledger.Wrap(ledger.KindInvalidInput, "invalid request", err)
	}
	return nil
}

func (h *Handler) amount(raw json.RawMessage) (int64, error) {
	minor, err := money.ParseJSON(raw, h.scale)
	if err != nil {
		return 0, ledger.Wrap(ledger.KindInvalidAmount, "amount", err)
	}
	return minor, nil
}

// fail writes the error response for err. Internal failures are logged and
// answered with an opaque message.
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	status, kind := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("wallet request failed",
			slog.String("path", c.Path()),
			slog.String("request_id", middleware.RequestIDFrom(c)),
			slog.Any("error", err))
		message = "internal error"
	}
	if status == http.StatusConflict {
		c.Set(fiber.HeaderRetryAfter, conflictRetryAfterSeconds)
	}
	return c.Status(status).JSON(fiber.Map{"error": kind, "message": message})
}

func statusFor(err error) (int, string) {
	switch kind := ledger.KindOf(err); kind {
	case ledger.KindInvalidAmount, ledger.KindInvalidInput:
		return http.StatusBadRequest, string(kind)
	case ledger.KindWalletFrozen:
		return http.StatusLocked, string(kind)
	case ledger.KindInsufficientFunds:
		return http.StatusUnprocessableEntity, string(kind)
	case ledger.KindNotFound:
		return http.StatusNotFound, string(kind)
	case ledger.KindConcurrencyConflict:
		return http.StatusConflict, string(kind)
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func transactionFilter(c *fiber.Ctx) (ledger.TransactionFilter, error) {
	var filter ledger.TransactionFilter
	for _, raw := range strings.Split(c.Query("type"), ",") {
		if t := strings.ToLower(strings.TrimSpace(raw)); t != "" {
			filter.Types = append(filter.Types, ledger.TransactionType(t))
		}
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		return filter, err
	}
	if filter.Limit < 0 {
		return filter, ledger.Errorf(ledger.KindInvalidInput, "limit must not be negative")
	}
	return filter, nil
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ledger.Errorf(ledger.KindInvalidInput, "%s must be an integer", key)
	}
	return n, nil
}
