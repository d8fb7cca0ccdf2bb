package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/escrowid"
	"github.com/mbd888/stakehold/internal/logging"
	"github.com/mbd888/stakehold/internal/pagination"
	"github.com/mbd888/stakehold/internal/pda"
	"github.com/mbd888/stakehold/internal/token"
	"github.com/mbd888/stakehold/internal/traces"
)

// Initialize creates the record and custody account for a new escrow and
// moves the opener's stake into custody.
func (e *Engine) Initialize(ctx context.Context, req InitializeRequest) (_ *View, err error) {
	done := observeOp(opInitialize)
	ctx, span := traces.StartSpan(ctx, "escrow.Initialize",
		traces.EscrowID(req.Identifier), traces.Amount(req.Amount))
	defer func() {
		traces.Fail(span, err)
		span.End()
		done(err)
		e.logResult(ctx, opInitialize, req.Identifier, req.Amount, err)
	}()

	if err := escrowid.Validate(req.Identifier); err != nil {
		return nil, err
	}
	if req.Amount == 0 || req.Amount > MaxBetAmount {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidAmount, MaxBetAmount)
	}
	opener, err := signerAddress(req.Opener, "opener")
	if err != nil {
		return nil, err
	}
	addrs, err := e.locate(req.Identifier)
	if err != nil {
		return nil, err
	}
	source := req.OpenerAccount
	if source.IsZero() {
		source = token.AssociatedAddress(opener, req.Mint)
	}

	now := e.now()
	rec := &Record{
		Address: addrs.RecordAddress,
		TransactionState: TransactionState{
			Identifier: req.Identifier,
			Stage:      StageInitialized,
			BetAmount:  req.Amount,
			StateBump:  addrs.StateBump,
			EscrowBump: addrs.EscrowBump,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	var custody *token.Account

	keys := lockKeys(addrs.RecordAddress, addrs.CustodyAddress, source, opener)
	err = e.runtime.Execute(ctx, keys, func(ctx context.Context) error {
		if _, err := e.store.Get(ctx, rec.Address); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, req.Identifier)
		} else if !errors.Is(err, ErrEscrowNotFound) {
			return err
		}

		src, err := e.partyAccount(ctx, source, opener, req.Mint)
		if err != nil {
			return err
		}
		if src.Amount < req.Amount {
			return fmt.Errorf("%w: account %s holds %d, stake is %d", ErrInsufficientBalance, source, src.Amount, req.Amount)
		}

		if err := e.store.Create(ctx, rec); err != nil {
			return err
		}
		if _, err := e.gateway.Open(ctx, addrs.CustodyAddress, req.Mint, addrs.RecordAddress, opener); err != nil {
			return ledgerError(err)
		}
		if err := e.gateway.Move(ctx, source, addrs.CustodyAddress, req.Amount, req.Opener); err != nil {
			return ledgerError(err)
		}
		custody, err = e.gateway.Account(ctx, addrs.CustodyAddress)
		return err
	})
	if err != nil {
		return nil, err
	}

	CustodyLocked.Add(float64(req.Amount))
	LiveEscrows.WithLabelValues(StageInitialized.String()).Inc()
	e.publish(EventInitialized, rec, opener, source, req.Amount)
	return newView(rec, custody), nil
}

// Deposit moves the joiner's matching stake into custody.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (_ *View, err error) {
	done := observeOp(opDeposit)
	ctx, span := traces.StartSpan(ctx, "escrow.Deposit", traces.EscrowID(req.Identifier))
	var amount uint64
	defer func() {
		traces.Fail(span, err)
		span.End()
		done(err)
		e.logResult(ctx, opDeposit, req.Identifier, amount, err)
	}()

	if err := escrowid.Validate(req.Identifier); err != nil {
		return nil, err
	}
	joiner, err := signerAddress(req.Joiner, "joiner")
	if err != nil {
		return nil, err
	}
	addrs, err := e.locate(req.Identifier)
	if err != nil {
		return nil, err
	}
	peeked, err := e.peekCustody(ctx, addrs)
	if err != nil {
		return nil, err
	}
	source := req.JoinerAccount
	if source.IsZero() {
		source = token.AssociatedAddress(joiner, peeked.Mint)
	}

	var rec *Record
	var custody *token.Account

	keys := lockKeys(addrs.RecordAddress, addrs.CustodyAddress, source)
	err = e.runtime.Execute(ctx, keys, func(ctx context.Context) error {
		var err error
		if rec, err = e.load(ctx, addrs); err != nil {
			return err
		}
		if rec.Stage != StageInitialized {
			return fmt.Errorf("%w: deposit requires %s, escrow is %s", ErrInvalidStage, StageInitialized, rec.Stage)
		}
		if custody, err = e.custody(ctx, addrs, peeked); err != nil {
			return err
		}

		src, err := e.partyAccount(ctx, source, joiner, custody.Mint)
		if err != nil {
			return err
		}
		if src.Amount < rec.BetAmount {
			return fmt.Errorf("%w: account %s holds %d, stake is %d", ErrInsufficientBalance, source, src.Amount, rec.BetAmount)
		}

		rec.Stage = StageDeposited
		rec.UpdatedAt = e.now()
		if err := e.store.Update(ctx, rec); err != nil {
			return err
		}
		if err := e.gateway.Move(ctx, source, addrs.CustodyAddress, rec.BetAmount, req.Joiner); err != nil {
			return ledgerError(err)
		}
		custody, err = e.gateway.Account(ctx, addrs.CustodyAddress)
		return err
	})
	if err != nil {
		return nil, err
	}

	amount = rec.BetAmount
	CustodyLocked.Add(float64(rec.BetAmount))
	LiveEscrows.WithLabelValues(StageInitialized.String()).Dec()
	LiveEscrows.WithLabelValues(StageDeposited.String()).Inc()
	e.publish(EventDeposited, rec, joiner, source, rec.BetAmount)
	return newView(rec, custody), nil
}

// Cancel returns an unmatched stake to its opener and closes the escrow.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (_ *Settlement, err error) {
	done := observeOp(opCancel)
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(req.Identifier))
	var amount uint64
	defer func() {
		traces.Fail(span, err)
		span.End()
		done(err)
		e.logResult(ctx, opCancel, req.Identifier, amount, err)
	}()

	if err := escrowid.Validate(req.Identifier); err != nil {
		return nil, err
	}
	opener, err := signerAddress(req.Opener, "opener")
	if err != nil {
		return nil, err
	}
	addrs, err := e.locate(req.Identifier)
	if err != nil {
		return nil, err
	}
	peeked, err := e.peekCustody(ctx, addrs)
	if err != nil {
		return nil, err
	}
	dest := req.OpenerAccount
	if dest.IsZero() {
		dest = token.AssociatedAddress(opener, peeked.Mint)
	}

	var rec *Record
	keys := lockKeys(addrs.RecordAddress, addrs.CustodyAddress, dest, opener)
	err = e.runtime.Execute(ctx, keys, func(ctx context.Context) error {
		var err error
		if rec, err = e.load(ctx, addrs); err != nil {
			return err
		}
		if rec.Stage != StageInitialized {
			return fmt.Errorf("%w: cancel requires %s, escrow is %s", ErrInvalidStage, StageInitialized, rec.Stage)
		}
		custody, err := e.custody(ctx, addrs, peeked)
		if err != nil {
			return err
		}
		if custody.RentPayer != opener {
			return fmt.Errorf("%w: only the opener may cancel", ErrAuthorizationMismatch)
		}
		if _, err := e.partyAccount(ctx, dest, opener, custody.Mint); err != nil {
			return err
		}

		signer := e.deriver.Signer(pda.NamespaceRecord, rec.Identifier, rec.StateBump)
		if err := e.gateway.MoveFromCustody(ctx, addrs.CustodyAddress, dest, rec.BetAmount, signer); err != nil {
			return ledgerError(err)
		}
		if err := e.gateway.Close(ctx, addrs.CustodyAddress, opener, signer); err != nil {
			return ledgerError(err)
		}
		return e.store.Delete(ctx, rec.Address)
	})
	if err != nil {
		return nil, err
	}

	amount = rec.BetAmount
	CustodyLocked.Sub(float64(rec.BetAmount))
	LiveEscrows.WithLabelValues(StageInitialized.String()).Dec()
	e.publish(EventCancelled, rec, opener, dest, rec.BetAmount)
	return &Settlement{
		Identifier:     rec.Identifier,
		Outcome:        "cancelled",
		Recipient:      opener,
		RecipientAcct:  dest,
		Amount:         rec.BetAmount,
		RentRefundedTo: opener,
	}, nil
}

// Outcome pays both stakes to the winner and closes the escrow.
func (e *Engine) Outcome(ctx context.Context, req OutcomeRequest) (_ *Settlement, err error) {
	done := observeOp(opOutcome)
	ctx, span := traces.StartSpan(ctx, "escrow.Outcome",
		traces.EscrowID(req.Identifier), traces.Party(req.Winner.Hex()))
	var payout uint64
	defer func() {
		traces.Fail(span, err)
		span.End()
		done(err)
		e.logResult(ctx, opOutcome, req.Identifier, payout, err)
	}()

	if err := escrowid.Validate(req.Identifier); err != nil {
		return nil, err
	}
	if _, err := signerAddress(req.Decider, "decision-maker"); err != nil {
		return nil, err
	}
	if req.Winner.IsZero() {
		return nil, fmt.Errorf("%w: winner is required", ErrAuthorizationMismatch)
	}
	addrs, err := e.locate(req.Identifier)
	if err != nil {
		return nil, err
	}
	peeked, err := e.peekCustody(ctx, addrs)
	if err != nil {
		return nil, err
	}
	dest := req.WinnerAccount
	if dest.IsZero() {
		dest = token.AssociatedAddress(req.Winner, peeked.Mint)
	}

	var rec *Record
	keys := lockKeys(addrs.RecordAddress, addrs.CustodyAddress, dest, peeked.RentPayer)
	err = e.runtime.Execute(ctx, keys, func(ctx context.Context) error {
		var err error
		if rec, err = e.load(ctx, addrs); err != nil {
			return err
		}
		if rec.Stage != StageDeposited {
			return fmt.Errorf("%w: outcome requires %s, escrow is %s", ErrInvalidStage, StageDeposited, rec.Stage)
		}
		custody, err := e.custody(ctx, addrs, peeked)
		if err != nil {
			return err
		}
		if _, err := e.partyAccount(ctx, dest, req.Winner, custody.Mint); err != nil {
			return err
		}

		signer := e.deriver.Signer(pda.NamespaceRecord, rec.Identifier, rec.StateBump)
		if err := e.gateway.MoveFromCustody(ctx, addrs.CustodyAddress, dest, 2*rec.BetAmount, signer); err != nil {
			return ledgerError(err)
		}
		if err := e.gateway.Close(ctx, addrs.CustodyAddress, custody.RentPayer, signer); err != nil {
			return ledgerError(err)
		}
		return e.store.Delete(ctx, rec.Address)
	})
	if err != nil {
		return nil, err
	}

	payout = 2 * rec.BetAmount
	CustodyLocked.Sub(float64(payout))
	LiveEscrows.WithLabelValues(StageDeposited.String()).Dec()
	e.publish(EventSettled, rec, req.Winner, dest, payout)
	return &Settlement{
		Identifier:     rec.Identifier,
		Outcome:        "settled",
		Recipient:      req.Winner,
		RecipientAcct:  dest,
		Amount:         payout,
		RentRefundedTo: peeked.RentPayer,
	}, nil
}

// Get returns the committed view of an escrow.
func (e *Engine) Get(ctx context.Context, identifier string) (*View, error) {
	if err := escrowid.Validate(identifier); err != nil {
		return nil, err
	}
	addrs, err := e.locate(identifier)
	if err != nil {
		return nil, err
	}
	var view *View
	err = e.runtime.View(ctx, lockKeys(addrs.RecordAddress, addrs.CustodyAddress), func(ctx context.Context) error {
		rec, err := e.load(ctx, addrs)
		if err != nil {
			return err
		}
		custody, err := e.gateway.Account(ctx, addrs.CustodyAddress)
		if err != nil {
			return err
		}
		view = newView(rec, custody)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Addresses derives the record and custody addresses of an identifier
// without reading any state.
func (e *Engine) Addresses(identifier string) (*Addresses, error) {
	if err := escrowid.Validate(identifier); err != nil {
		return nil, err
	}
	addrs, err := e.locate(identifier)
	if err != nil {
		return nil, err
	}
	return &addrs, nil
}

// List returns one page of live records, newest first. Candidates are
// re-read under their record locks so records of units still running, or
// later aborted, are never returned.
func (e *Engine) List(ctx context.Context, filter ListFilter, limit int) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	candidates, err := e.store.List(ctx, filter, limit+1)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(candidates))
	for _, r := range candidates {
		keys = append(keys, r.Address.Hex())
	}
	recs := make([]*Record, 0, len(candidates))
	err = e.runtime.View(ctx, keys, func(ctx context.Context) error {
		for _, r := range candidates {
			cur, err := e.store.Get(ctx, r.Address)
			if errors.Is(err, ErrEscrowNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if filter.Stage != nil && cur.Stage != *filter.Stage {
				continue
			}
			recs = append(recs, cur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	recs, next := pagination.ComputePage(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.Address.Hex()
	})
	return &Page{Records: recs, NextCursor: next}, nil
}

// locate finds the record and custody addresses of an identifier. The bump
// search only resolves where the record lives; load then checks that the
// bumps stored in the record re-derive both addresses, and custody signing
// always replays the stored bump.
func (e *Engine) locate(identifier string) (Addresses, error) {
	record, stateBump, err := e.deriver.Find(pda.NamespaceRecord, identifier)
	if err != nil {
		return Addresses{}, err
	}
	custody, escrowBump, err := e.deriver.Find(pda.NamespaceCustody, identifier)
	if err != nil {
		return Addresses{}, err
	}
	return Addresses{
		Identifier:     identifier,
		RecordAddress:  record,
		StateBump:      stateBump,
		CustodyAddress: custody,
		EscrowBump:     escrowBump,
	}, nil
}

// load reads the record and checks that its stored bumps re-derive the
// addresses it was found at.
func (e *Engine) load(ctx context.Context, addrs Addresses) (*Record, error) {
	rec, err := e.store.Get(ctx, addrs.RecordAddress)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, addrs.Identifier)
		}
		return nil, err
	}
	if rec.Identifier != addrs.Identifier {
		return nil, fmt.Errorf("%w: record at %s holds %q", ErrCorruptRecord, rec.Address, rec.Identifier)
	}
	recordAddr, err := e.deriver.At(pda.NamespaceRecord, rec.Identifier, rec.StateBump)
	if err != nil || recordAddr != addrs.RecordAddress {
		return nil, fmt.Errorf("%w: state bump %d does not derive %s", ErrCorruptRecord, rec.StateBump, addrs.RecordAddress)
	}
	custodyAddr, err := e.deriver.At(pda.NamespaceCustody, rec.Identifier, rec.EscrowBump)
	if err != nil || custodyAddr != addrs.CustodyAddress {
		return nil, fmt.Errorf("%w: escrow bump %d does not derive %s", ErrCorruptRecord, rec.EscrowBump, addrs.CustodyAddress)
	}
	return rec, nil
}

// peekCustody reads custody outside the unit to resolve default accounts
// and lock keys. custody re-checks it under lock.
func (e *Engine) peekCustody(ctx context.Context, addrs Addresses) (*token.Account, error) {
	acct, err := e.gateway.Account(ctx, addrs.CustodyAddress)
	if errors.Is(err, token.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, addrs.Identifier)
	}
	return acct, err
}

func (e *Engine) custody(ctx context.Context, addrs Addresses, peeked *token.Account) (*token.Account, error) {
	acct, err := e.gateway.Account(ctx, addrs.CustodyAddress)
	if errors.Is(err, token.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, addrs.Identifier)
	}
	if err != nil {
		return nil, ledgerError(err)
	}
	if acct.Owner != addrs.RecordAddress {
		return nil, fmt.Errorf("%w: custody %s is not owned by its record", ErrCorruptRecord, addrs.CustodyAddress)
	}
	if acct.Mint != peeked.Mint || acct.RentPayer != peeked.RentPayer {
		return nil, fmt.Errorf("%w: escrow replaced while waiting for lock", ErrInvalidStage)
	}
	return acct, nil
}

// partyAccount checks that addr is a token account of mint owned by party.
func (e *Engine) partyAccount(ctx context.Context, addr, party, mint pda.Address) (*token.Account, error) {
	acct, err := e.gateway.Account(ctx, addr)
	if err != nil {
		return nil, ledgerError(err)
	}
	if acct.Owner != party {
		return nil, fmt.Errorf("%w: account %s is not owned by %s", ErrAuthorizationMismatch, addr, party)
	}
	if acct.Mint != mint {
		return nil, fmt.Errorf("%w: account %s holds mint %s, escrow uses %s", ErrAuthorizationMismatch, addr, acct.Mint, mint)
	}
	return acct, nil
}

func (e *Engine) publish(t EventType, rec *Record, party, account pda.Address, amount uint64) {
	if e.events == nil {
		return
	}
	e.events.PublishEscrowEvent(Event{
		Type:          t,
		Identifier:    rec.Identifier,
		RecordAddress: rec.Address,
		Party:         party,
		Account:       account,
		Amount:        amount,
		Timestamp:     e.now(),
	})
}

func (e *Engine) logResult(ctx context.Context, op, identifier string, amount uint64, err error) {
	logger := e.logger
	if reqID := logging.RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	attrs := []any{"op", op, "escrow_id", identifier, "amount", amount}
	if err != nil {
		logger.Warn("escrow operation aborted", append(attrs, "error", err)...)
		return
	}
	logger.Info("escrow operation committed", attrs...)
}

func signerAddress(s auth.Signer, role string) (pda.Address, error) {
	addr, err := s.Authorize()
	if err != nil {
		return pda.Address{}, fmt.Errorf("%w: %s signature required", ErrAuthorizationMismatch, role)
	}
	return addr, nil
}

// ledgerError classifies a ledger failure into the escrow error taxonomy
// while keeping the original error in the chain.
func ledgerError(err error) error {
	switch {
	case errors.Is(err, token.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	case errors.Is(err, token.ErrOwnerMismatch),
		errors.Is(err, token.ErrMintMismatch),
		errors.Is(err, token.ErrAccountNotFound),
		errors.Is(err, token.ErrMintNotFound):
		return fmt.Errorf("%w: %w", ErrAuthorizationMismatch, err)
	case errors.Is(err, token.ErrAccountExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	return err
}

func lockKeys(addrs ...pda.Address) []string {
	keys := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if !a.IsZero() {
			keys = append(keys, a.Hex())
		}
	}
	return keys
}

func newView(rec *Record, custody *token.Account) *View {
	v := &View{Record: rec, CustodyAddress: custody.Address}
	v.CustodyBalance = custody.Amount
	v.Mint = custody.Mint
	v.Opener = custody.RentPayer
	return v
}
