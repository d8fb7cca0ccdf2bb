package token

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakehold/internal/pda"
	"github.com/mbd888/stakehold/internal/validation"
)

// Viewer runs a read once no unit of work holds any of keys.
type Viewer interface {
	View(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// Handler exposes ledger reads and the development faucet.
type Handler struct {
	ledger Ledger
	viewer Viewer
}

// NewHandler creates a ledger handler.
func NewHandler(ledger Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// WithViewer makes account reads wait for in-flight escrow operations, so
// balances are only reported as committed.
func (h *Handler) WithViewer(v Viewer) *Handler {
	h.viewer = v
	return h
}

func (h *Handler) view(ctx context.Context, key pda.Address, fn func(ctx context.Context) error) error {
	if h.viewer == nil {
		return fn(ctx)
	}
	return h.viewer.View(ctx, []string{key.Hex()}, fn)
}

// RegisterRoutes sets up read-only account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address", validation.AddressParamMiddleware("address"), h.GetAccount)
	r.GET("/accounts/associated/:owner/:mint", validation.AddressParamMiddleware("owner", "mint"), h.GetAssociated)
}

// RegisterDevRoutes sets up the faucet. Only mounted in development.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/dev/mints", h.CreateMint)
	r.POST("/dev/accounts", h.CreateAccount)
	r.POST("/dev/mint-to", h.MintTo)
	r.POST("/dev/airdrop", h.Airdrop)
}

// GetAccount handles GET /v1/accounts/:address
func (h *Handler) GetAccount(c *gin.Context) {
	ctx := c.Request.Context()
	addr := pda.MustParseAddress(c.Param("address"))

	var acct *Account
	err := h.view(ctx, addr, func(ctx context.Context) error {
		var err error
		acct, err = h.ledger.GetAccount(ctx, addr)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	var native uint64
	err = h.view(ctx, acct.Owner, func(ctx context.Context) error {
		var err error
		native, err = h.ledger.NativeBalance(ctx, acct.Owner)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "ownerNativeBalance": native})
}

// GetAssociated handles GET /v1/accounts/associated/:owner/:mint
func (h *Handler) GetAssociated(c *gin.Context) {
	owner := pda.MustParseAddress(c.Param("owner"))
	mint := pda.MustParseAddress(c.Param("mint"))
	assoc := AssociatedAddress(owner, mint)

	resp := gin.H{"address": assoc, "owner": owner, "mint": mint, "exists": false}
	var acct *Account
	err := h.view(c.Request.Context(), assoc, func(ctx context.Context) error {
		var err error
		acct, err = h.ledger.GetAccount(ctx, assoc)
		return err
	})
	switch {
	case err == nil:
		resp["exists"] = true
		resp["account"] = acct
	case !errors.Is(err, ErrAccountNotFound):
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type createMintRequest struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
}

// CreateMint handles POST /v1/dev/mints
func (h *Handler) CreateMint(c *gin.Context) {
	var req createMintRequest
	if !bindAndValidate(c, &req, func() validation.ValidationErrors {
		return validation.Validate(
			validation.Required("address", req.Address),
			validation.ValidAddress("address", req.Address),
		)
	}) {
		return
	}

	mint, err := h.ledger.CreateMint(c.Request.Context(), pda.MustParseAddress(req.Address), req.Decimals)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mint": mint})
}

type createAccountRequest struct {
	Owner   string `json:"owner"`
	Mint    string `json:"mint"`
	Payer   string `json:"payer"`
	Address string `json:"address"`
}

// CreateAccount handles POST /v1/dev/accounts. The address defaults to the
// owner's associated account and the payer to the owner.
func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if !bindAndValidate(c, &req, func() validation.ValidationErrors {
		return validation.Validate(
			validation.Required("owner", req.Owner),
			validation.ValidAddress("owner", req.Owner),
			validation.Required("mint", req.Mint),
			validation.ValidAddress("mint", req.Mint),
			validation.ValidAddress("payer", req.Payer),
			validation.ValidAddress("address", req.Address),
		)
	}) {
		return
	}

	owner := pda.MustParseAddress(req.Owner)
	mint := pda.MustParseAddress(req.Mint)
	params := CreateAccountParams{
		Address: AssociatedAddress(owner, mint),
		Mint:    mint,
		Owner:   owner,
		Payer:   owner,
	}
	if req.Payer != "" {
		params.Payer = pda.MustParseAddress(req.Payer)
	}
	if req.Address != "" {
		params.Address = pda.MustParseAddress(req.Address)
	}

	acct, err := h.ledger.CreateAccount(c.Request.Context(), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

type amountRequest struct {
	Account string `json:"account"`
	Owner   string `json:"owner"`
	Amount  uint64 `json:"amount"`
}

// MintTo handles POST /v1/dev/mint-to
func (h *Handler) MintTo(c *gin.Context) {
	var req amountRequest
	if !bindAndValidate(c, &req, func() validation.ValidationErrors {
		return validation.Validate(
			validation.Required("account", req.Account),
			validation.ValidAddress("account", req.Account),
			validation.Positive("amount", req.Amount),
		)
	}) {
		return
	}

	addr := pda.MustParseAddress(req.Account)
	if err := h.ledger.MintTo(c.Request.Context(), addr, req.Amount); err != nil {
		writeError(c, err)
		return
	}
	acct, err := h.ledger.GetAccount(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// Airdrop handles POST /v1/dev/airdrop
func (h *Handler) Airdrop(c *gin.Context) {
	var req amountRequest
	if !bindAndValidate(c, &req, func() validation.ValidationErrors {
		return validation.Validate(
			validation.Required("owner", req.Owner),
			validation.ValidAddress("owner", req.Owner),
			validation.Positive("amount", req.Amount),
		)
	}) {
		return
	}

	owner := pda.MustParseAddress(req.Owner)
	if err := h.ledger.Airdrop(c.Request.Context(), owner, req.Amount); err != nil {
		writeError(c, err)
		return
	}
	native, err := h.ledger.NativeBalance(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "nativeBalance": native})
}

func bindAndValidate(c *gin.Context, req any, validate func() validation.ValidationErrors) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	if errs := validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrMintNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAccountExists), errors.Is(err, ErrMintExists):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ErrOverflow), errors.Is(err, ErrInvalidAccount):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
