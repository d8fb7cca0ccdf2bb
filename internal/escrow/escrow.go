// Package escrow holds two-party stakes in custody until a decision.
//
// Flow:
//  1. Opener calls Initialize → record created, custody account opened,
//     bet amount moved: opener → custody
//  2. Joiner calls Deposit → matching amount moved: joiner → custody
//  3. Either Cancel (opener, before a deposit) returns the bet to the
//     opener, or Outcome (after a deposit) pays twice the bet to the
//     winner. Both close custody and delete the record.
//
// The record and custody account live at addresses derived from the
// escrow identifier. Custody is owned by the record address, so funds can
// only leave it under a signer re-derived from the stored bump.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/escrowid"
	"github.com/mbd888/stakehold/internal/pagination"
	"github.com/mbd888/stakehold/internal/pda"
	"github.com/mbd888/stakehold/internal/token"
)

var (
	ErrInvalidIdentifier     = escrowid.ErrInvalidIdentifier
	ErrInvalidStage          = errors.New("invalid escrow stage for this operation")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrAuthorizationMismatch = errors.New("authorization mismatch")
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrAlreadyExists         = errors.New("escrow already exists")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrCorruptRecord         = errors.New("corrupt escrow record")
)

// MaxBetAmount keeps twice the bet representable in a custody balance.
const MaxBetAmount = ^uint64(0) / 2

// Stage is the lifecycle position of a live escrow. Terminal outcomes are
// represented by the record no longer existing.
type Stage uint8

const (
	StageInitialized Stage = iota
	StageDeposited
)

func (s Stage) String() string {
	switch s {
	case StageInitialized:
		return "initialized"
	case StageDeposited:
		return "deposited"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StageInitialized || s == StageDeposited
}

// ParseStage parses a stage name.
func ParseStage(s string) (Stage, error) {
	switch strings.ToLower(s) {
	case "initialized":
		return StageInitialized, nil
	case "deposited":
		return StageDeposited, nil
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	parsed, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// TransactionState is the persisted escrow record.
type TransactionState struct {
	Identifier string `json:"identifier"`
	Stage      Stage  `json:"stage"`
	BetAmount  uint64 `json:"betAmount"`
	StateBump  uint8  `json:"stateBump"`
	EscrowBump uint8  `json:"escrowBump"`
}

// Record is a TransactionState stored at its derived address.
type Record struct {
	Address pda.Address `json:"address"`
	TransactionState
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListFilter narrows List results. After resumes a newest-first listing
// past a previously returned record.
type ListFilter struct {
	Stage *Stage
	After *pagination.Cursor
}

// Page is one page of a listing. NextCursor is empty on the last page.
type Page struct {
	Records    []*Record `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Store persists escrow records keyed by record address. Mutations made
// inside a host unit must be undone if the unit aborts.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, addr pda.Address) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, addr pda.Address) error
	List(ctx context.Context, filter ListFilter, limit int) ([]*Record, error)
}

// Gateway is the part of the transfer gateway the engine drives.
type Gateway interface {
	Account(ctx context.Context, addr pda.Address) (*token.Account, error)
	Open(ctx context.Context, account, mint, owner, payer pda.Address) (*token.Account, error)
	Move(ctx context.Context, from, to pda.Address, amount uint64, authority auth.Signer) error
	MoveFromCustody(ctx context.Context, from, to pda.Address, amount uint64, authority pda.Signer) error
	Close(ctx context.Context, account, refundTo pda.Address, authority pda.Signer) error
}

// Runtime runs a function as one atomic unit over locked keys. View runs
// a read under the same locks, after any unit holding them has finished.
type Runtime interface {
	Execute(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
	View(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// EventPublisher receives lifecycle events after their unit commits.
type EventPublisher interface {
	PublishEscrowEvent(e Event)
}

// InitializeRequest opens an escrow. OpenerAccount defaults to the
// opener's associated account for Mint.
type InitializeRequest struct {
	Identifier    string
	Amount        uint64
	Mint          pda.Address
	Opener        auth.Signer
	OpenerAccount pda.Address
}

// DepositRequest matches an open escrow. JoinerAccount defaults to the
// joiner's associated account for the escrow mint.
type DepositRequest struct {
	Identifier    string
	Joiner        auth.Signer
	JoinerAccount pda.Address
}

// CancelRequest withdraws an unmatched escrow. OpenerAccount defaults to
// the opener's associated account.
type CancelRequest struct {
	Identifier    string
	Opener        auth.Signer
	OpenerAccount pda.Address
}

// OutcomeRequest settles a matched escrow. WinnerAccount defaults to the
// winner's associated account.
type OutcomeRequest struct {
	Identifier    string
	Decider       auth.Signer
	Winner        pda.Address
	WinnerAccount pda.Address
}

// View is a record with its derived addresses and live custody state.
type View struct {
	Record         *Record     `json:"record"`
	CustodyAddress pda.Address `json:"custodyAddress"`
	CustodyBalance uint64      `json:"custodyBalance"`
	Mint           pda.Address `json:"mint"`
	Opener         pda.Address `json:"opener"`
}

// Settlement describes a terminal transition.
type Settlement struct {
	Identifier     string      `json:"identifier"`
	Outcome        string      `json:"outcome"`
	Recipient      pda.Address `json:"recipient"`
	RecipientAcct  pda.Address `json:"recipientAccount"`
	Amount         uint64      `json:"amount"`
	RentRefundedTo pda.Address `json:"rentRefundedTo"`
}

// Addresses are the derived addresses of one identifier.
type Addresses struct {
	Identifier     string      `json:"identifier"`
	RecordAddress  pda.Address `json:"recordAddress"`
	StateBump      uint8       `json:"stateBump"`
	CustodyAddress pda.Address `json:"custodyAddress"`
	EscrowBump     uint8       `json:"escrowBump"`
}

// Engine is the stage transition engine.
type Engine struct {
	store   Store
	gateway Gateway
	deriver *pda.Deriver
	runtime Runtime
	events  EventPublisher
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an engine.
func NewEngine(store Store, gateway Gateway, deriver *pda.Deriver, runtime Runtime) *Engine {
	return &Engine{
		store:   store,
		gateway: gateway,
		deriver: deriver,
		runtime: runtime,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithEvents adds a publisher for committed lifecycle events.
func (e *Engine) WithEvents(p EventPublisher) *Engine {
	e.events = p
	return e
}

// WithLogger sets the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}
