package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/pagination"
	"github.com/mbd888/stakehold/internal/pda"
	"github.com/mbd888/stakehold/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/addresses", h.GetAddresses)
}

// RegisterProtectedRoutes sets up signed escrow routes. The group must
// run the signature middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Initialize)
	r.POST("/escrows/:id/deposit", h.Deposit)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/outcome", h.Outcome)
}

type initializeRequest struct {
	Identifier    string `json:"identifier"`
	Amount        uint64 `json:"amount"`
	Mint          string `json:"mint"`
	OpenerAccount string `json:"openerAccount"`
}

// Initialize handles POST /v1/escrows. The identifier is chosen by the
// caller and covered by the request signature.
func (h *Handler) Initialize(c *gin.Context) {
	signer, ok := requireSigner(c)
	if !ok {
		return
	}
	var req initializeRequest
	if !bindAndValidate(c, &req, func() validation.ValidationErrors {
		return validation.Validate(
			validation.Required("identifier", req.Identifier),
			validation.Positive("amount", req.Amount),
			validation.Required("mint", req.Mint),
			validation.ValidAddress("mint", req.Mint),
			validation.ValidAddress("openerAccount", req.OpenerAccount),
		)
	}) {
		return
	}
	view, err := h.engine.Initialize(c.Request.Context(), InitializeRequest{
		Identifier:    req.Identifier,
		Amount:        req.Amount,
		Mint:          pda.MustParseAddress(req.Mint),
		Opener:        signer,
		OpenerAccount: optionalAddress(req.OpenerAccount),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": view})
}

type depositRequest struct {
	JoinerAccount string `json:"joinerAccount"`
}

// Deposit handles POST /v1/escrows/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	signer, ok := requireSigner(c)
	if !ok {
		return
	}
	var req depositRequest
	if !bindOptional(c, &req, func() validation.ValidationErrors {
		return validation.Validate(validation.ValidAddress("joinerAccount", req.JoinerAccount))
	}) {
		return
	}

	view, err := h.engine.Deposit(c.Request.Context(), DepositRequest{
		Identifier:    c.Param("id"),
		Joiner:        signer,
		JoinerAccount: optionalAddress(req.JoinerAccount),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

type cancelRequest struct {
	OpenerAccount string `json:"openerAccount"`
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	signer, ok := requireSigner(c)
	if !ok {
		return
	}
	var req cancelRequest
	if !bindOptional(c, &req, func() validation.ValidationErrors {
		return validation.Validate(validation.ValidAddress("openerAccount", req.OpenerAccount))
	}) {
		return
	}

	settlement, err := h.engine.Cancel(c.Request.Context(), CancelRequest{
		Identifier:    c.Param("id"),
		Opener:        signer,
		OpenerAccount: optionalAddress(req.OpenerAccount),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": settlement})
}

type outcomeRequest struct {
	Winner        string `json:"winner"`
	WinnerAccount string `json:"winnerAccount"`
}

// Outcome handles POST /v1/escrows/:id/outcome
func (h *Handler) Outcome(c *gin.Context) {
	signer, ok := requireSigner(c)
	if !ok {
		return
	}
	var req outcomeRequest
	if !bindAndValidate(c, &req, func() validation.ValidationErrors {
		return validation.Validate(
			validation.Required("winner", req.Winner),
			validation.ValidAddress("winner", req.Winner),
			validation.ValidAddress("winnerAccount", req.WinnerAccount),
		)
	}) {
		return
	}

	settlement, err := h.engine.Outcome(c.Request.Context(), OutcomeRequest{
		Identifier:    c.Param("id"),
		Decider:       signer,
		Winner:        pda.MustParseAddress(req.Winner),
		WinnerAccount: optionalAddress(req.WinnerAccount),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": settlement})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	view, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": view})
}

// GetAddresses handles GET /v1/escrows/:id/addresses
func (h *Handler) GetAddresses(c *gin.Context) {
	addrs, err := h.engine.Addresses(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"addresses": addrs})
}

// ListEscrows handles GET /v1/escrows?stage=&limit=&cursor=
func (h *Handler) ListEscrows(c *gin.Context) {
	var filter ListFilter
	if s := c.Query("stage"); s != "" {
		stage, err := ParseStage(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		filter.Stage = &stage
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	filter.After = cursor

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.engine.List(c.Request.Context(), filter, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Records,
		"count":      len(page.Records),
		"nextCursor": page.NextCursor,
		"hasMore":    page.NextCursor != "",
	})
}

func requireSigner(c *gin.Context) (auth.Signer, bool) {
	signer, ok := auth.SignerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "signed request required",
		})
		return auth.Signer{}, false
	}
	return signer, true
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

// bindOptional is bindAndValidate for bodies that may be empty.
func bindOptional(c *gin.Context, req any, validate func() validation.ValidationErrors) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindAndValidate(c, req, validate)
}

func optionalAddress(s string) pda.Address {
	if s == "" {
		return pda.ZeroAddress
	}
	return pda.MustParseAddress(s)
}

// errorStatus maps an engine error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidIdentifier):
		return http.StatusBadRequest, "invalid_identifier"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrEscrowNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidStage):
		return http.StatusConflict, "invalid_stage"
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, ErrAuthorizationMismatch):
		return http.StatusForbidden, "authorization_mismatch"
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
