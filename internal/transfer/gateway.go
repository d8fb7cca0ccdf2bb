// Package transfer is the gateway between the escrow engine and the token
// ledger. It narrows the ledger to the moves an escrow needs and pins the
// kind of authority each move accepts: party accounts are debited only
// with a verified party signature, custody accounts only with a derived
// signer. Ledger failures are returned wrapped but otherwise untouched.
package transfer

import (
	"context"
	"fmt"

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/pda"
	"github.com/mbd888/stakehold/internal/token"
	"github.com/mbd888/stakehold/internal/traces"
)

// Gateway moves value on the token ledger on behalf of escrows.
type Gateway struct {
	ledger token.Ledger
}

// NewGateway creates a gateway over ledger.
func NewGateway(ledger token.Ledger) *Gateway {
	return &Gateway{ledger: ledger}
}

// Account reads a token account.
func (g *Gateway) Account(ctx context.Context, addr pda.Address) (*token.Account, error) {
	acct, err := g.ledger.GetAccount(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("read account %s: %w", addr, err)
	}
	return acct, nil
}

// Open creates a custody account at a derived address. payer funds the
// rent deposit and is refunded when the account closes.
func (g *Gateway) Open(ctx context.Context, account, mint, owner, payer pda.Address) (*token.Account, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.Open",
		traces.Account(account.Hex()), traces.Party(payer.Hex()))
	defer span.End()

	acct, err := g.ledger.CreateAccount(ctx, token.CreateAccountParams{
		Address: account,
		Mint:    mint,
		Owner:   owner,
		Payer:   payer,
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("open account %s: %w", account, err)
	}
	return acct, nil
}

// Move debits a party-owned account under the party's signature.
func (g *Gateway) Move(ctx context.Context, from, to pda.Address, amount uint64, authority auth.Signer) error {
	return g.move(ctx, "transfer.Move", from, to, amount, authority)
}

// MoveFromCustody debits a custody account under its derived signer.
func (g *Gateway) MoveFromCustody(ctx context.Context, from, to pda.Address, amount uint64, authority pda.Signer) error {
	return g.move(ctx, "transfer.MoveFromCustody", from, to, amount, authority)
}

func (g *Gateway) move(ctx context.Context, name string, from, to pda.Address, amount uint64, authority token.Authority) error {
	ctx, span := traces.StartSpan(ctx, name,
		traces.Account(from.Hex()), traces.Amount(amount))
	defer span.End()

	if err := g.ledger.Transfer(ctx, from, to, amount, authority); err != nil {
		traces.Fail(span, err)
		return fmt.Errorf("move %d from %s to %s: %w", amount, from, to, err)
	}
	return nil
}

// Close closes an emptied custody account and refunds its rent deposit.
func (g *Gateway) Close(ctx context.Context, account, refundTo pda.Address, authority pda.Signer) error {
	ctx, span := traces.StartSpan(ctx, "transfer.Close",
		traces.Account(account.Hex()), traces.Party(refundTo.Hex()))
	defer span.End()

	if err := g.ledger.CloseAccount(ctx, account, refundTo, authority); err != nil {
		traces.Fail(span, err)
		return fmt.Errorf("close account %s: %w", account, err)
	}
	return nil
}
