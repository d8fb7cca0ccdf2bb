package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/stakehold/internal/escrowid"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleOpenEscrow stakes tokens into a new escrow.
func (h *Handlers) HandleOpenEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetFloat("amount", 0)
	if amount < 1 || amount != float64(uint64(amount)) {
		return mcp.NewToolResultError("amount must be a positive whole number of base units"), nil
	}
	mint := req.GetString("mint", "")
	if mint == "" {
		return mcp.NewToolResultError("mint is required"), nil
	}

	id := req.GetString("identifier", "")
	if id == "" {
		id = escrowid.New()
	}

	raw, err := h.client.OpenEscrow(ctx, id, uint64(amount), mint)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open escrow: %v", err)), nil
	}
	text, err := formatEscrow("Escrow opened", raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleJoinEscrow deposits the matching stake.
func (h *Handlers) HandleJoinEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireIdentifier(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.JoinEscrow(ctx, id)
	if err != nil {
		if IsStatus(err, http.StatusConflict) {
			return mcp.NewToolResultError(fmt.Sprintf("Escrow %s is not open for joining: %v", id, err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to join escrow: %v", err)), nil
	}
	text, err := formatEscrow("Escrow joined", raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCancelEscrow withdraws an unmatched escrow.
func (h *Handlers) HandleCancelEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireIdentifier(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.CancelEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel escrow: %v", err)), nil
	}
	text, err := formatSettlement(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlement: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSettleEscrow declares the winner of a joined escrow.
func (h *Handlers) HandleSettleEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireIdentifier(req)
	if errResult != nil {
		return errResult, nil
	}
	winner := req.GetString("winner", "")
	if winner == "" {
		return mcp.NewToolResultError("winner is required"), nil
	}

	raw, err := h.client.SettleEscrow(ctx, id, winner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to settle escrow: %v", err)), nil
	}
	text, err := formatSettlement(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlement: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrow describes one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireIdentifier(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return mcp.NewToolResultText(fmt.Sprintf("No live escrow with identifier %s. It may have been settled or cancelled.", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	text, err := formatEscrow("Escrow", raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEscrows lists live escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stage := req.GetString("stage", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEscrows(ctx, stage, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance reports the party's associated account balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mint := req.GetString("mint", "")
	if mint == "" {
		return mcp.NewToolResultError("mint is required"), nil
	}

	raw, err := h.client.GetBalance(ctx, mint)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func requireIdentifier(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id := req.GetString("identifier", "")
	if id == "" {
		return "", mcp.NewToolResultError("identifier is required")
	}
	return id, nil
}

// ============================================================
// Response formatting
// ============================================================

type escrowView struct {
	Record struct {
		Address    string `json:"address"`
		Identifier string `json:"identifier"`
		Stage      string `json:"stage"`
		BetAmount  uint64 `json:"betAmount"`
	} `json:"record"`
	CustodyAddress string `json:"custodyAddress"`
	CustodyBalance uint64 `json:"custodyBalance"`
	Mint           string `json:"mint"`
	Opener         string `json:"opener"`
}

func formatEscrow(title string, raw json.RawMessage) (string, error) {
	var resp struct {
		Escrow *escrowView `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Escrow == nil {
		return "", fmt.Errorf("no escrow in response")
	}
	v := resp.Escrow

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", title, v.Record.Identifier)
	fmt.Fprintf(&sb, "  Stage: %s\n", v.Record.Stage)
	fmt.Fprintf(&sb, "  Stake: %d per party\n", v.Record.BetAmount)
	fmt.Fprintf(&sb, "  Held in custody: %d\n", v.CustodyBalance)
	fmt.Fprintf(&sb, "  Mint: %s\n", v.Mint)
	fmt.Fprintf(&sb, "  Opener: %s\n", v.Opener)
	fmt.Fprintf(&sb, "  Custody account: %s\n", v.CustodyAddress)
	return sb.String(), nil
}

func formatSettlement(raw json.RawMessage) (string, error) {
	var resp struct {
		Settlement *struct {
			Identifier     string `json:"identifier"`
			Outcome        string `json:"outcome"`
			Recipient      string `json:"recipient"`
			RecipientAcct  string `json:"recipientAccount"`
			Amount         uint64 `json:"amount"`
			RentRefundedTo string `json:"rentRefundedTo"`
		} `json:"settlement"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.Settlement
	if s == nil {
		return "", fmt.Errorf("no settlement in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s %s\n", s.Identifier, s.Outcome)
	fmt.Fprintf(&sb, "  Paid %d to %s\n", s.Amount, s.Recipient)
	fmt.Fprintf(&sb, "  Into account: %s\n", s.RecipientAcct)
	fmt.Fprintf(&sb, "  Rent refunded to: %s\n", s.RentRefundedTo)
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []struct {
			Identifier string `json:"identifier"`
			Stage      string `json:"stage"`
			BetAmount  uint64 `json:"betAmount"`
			CreatedAt  string `json:"createdAt"`
		} `json:"escrows"`
		NextCursor string `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return "No live escrows found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e.Identifier)
		fmt.Fprintf(&sb, "   Stage: %s | Stake: %d | Opened: %s\n", e.Stage, e.BetAmount, e.CreatedAt)
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore escrows available. Pass cursor %q to see the next page.\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		Address string `json:"address"`
		Mint    string `json:"mint"`
		Exists  bool   `json:"exists"`
		Account *struct {
			Amount uint64 `json:"amount"`
		} `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if !resp.Exists || resp.Account == nil {
		return fmt.Sprintf("No token account for mint %s yet (expected at %s).", resp.Mint, resp.Address), nil
	}

	var sb strings.Builder
	sb.WriteString("Token Balance:\n")
	fmt.Fprintf(&sb, "  Mint: %s\n", resp.Mint)
	fmt.Fprintf(&sb, "  Account: %s\n", resp.Address)
	fmt.Fprintf(&sb, "  Available: %d\n", resp.Account.Amount)
	return sb.String(), nil
}
