package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/retailops/walletledger/internal/wallet"
)

// RegisterWalletRoutes wires wallet endpoints. limit guards every mutation.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, limit fiber.Handler) {
	w := r.Group("/wallets/:phone")

	w.Get("/", h.Wallet)
	w.Get("/balance", h.Balance)
	w.Get("/transactions", h.Transactions)
	w.Get("/credits", h.Credits)

	w.Post("/deposit", limit, h.Deposit)
	w.Post("/withdraw", limit, h.Withdraw)
	w.Post("/credits", limit, h.IssueCredit)
	w.Post("/freeze", limit, h.Freeze)
	w.Post("/unfreeze", limit, h.Unfreeze)
}
