package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/host"
	"github.com/mbd888/stakehold/internal/pagination"
	"github.com/mbd888/stakehold/internal/pda"
	"github.com/mbd888/stakehold/internal/token"
	"github.com/mbd888/stakehold/internal/transfer"
)

const (
	testID   = "11111111-1111-1111-1111-111111111111"
	testRent = 10
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) PublishEscrowEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// failingGateway fails Move calls after n successful ones.
type failingGateway struct {
	Gateway
	allow int
	err   error
}

func (f *failingGateway) Move(ctx context.Context, from, to pda.Address, amount uint64, authority auth.Signer) error {
	if f.allow <= 0 {
		return f.err
	}
	f.allow--
	return f.Gateway.Move(ctx, from, to, amount, authority)
}

// pausingGateway holds Move until release is closed, then fails with err
// when set.
type pausingGateway struct {
	Gateway
	entered chan struct{}
	release chan struct{}
	err     error
}

func newPausingGateway(inner Gateway, err error) *pausingGateway {
	return &pausingGateway{Gateway: inner, entered: make(chan struct{}), release: make(chan struct{}), err: err}
}

func (p *pausingGateway) Move(ctx context.Context, from, to pda.Address, amount uint64, authority auth.Signer) error {
	close(p.entered)
	<-p.release
	if p.err != nil {
		return p.err
	}
	return p.Gateway.Move(ctx, from, to, amount, authority)
}

type harness struct {
	engine  *Engine
	store   *MemoryStore
	ledger  *token.MemoryLedger
	deriver *pda.Deriver
	events  *eventRecorder
	mint    pda.Address

	opener, joiner, arbiter *auth.Keypair
	openerAcct, joinerAcct  pda.Address
}

func newHarness(t *testing.T, openerTokens, joinerTokens uint64) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:   NewMemoryStore(),
		ledger:  token.NewMemoryLedger(testRent),
		deriver: pda.NewDeriver(pda.Address(crypto.Keccak256Hash([]byte("escrow-test-program")))),
		events:  &eventRecorder{},
		mint:    pda.Address(crypto.Keccak256Hash([]byte("escrow-test-mint"))),
	}
	if _, err := h.ledger.CreateMint(ctx, h.mint, 0); err != nil {
		t.Fatalf("CreateMint: %v", err)
	}
	h.opener, h.openerAcct = h.party(t, 1000, openerTokens)
	h.joiner, h.joinerAcct = h.party(t, 1000, joinerTokens)
	h.arbiter, _ = h.party(t, 1000, 0)

	h.engine = NewEngine(h.store, transfer.NewGateway(h.ledger), h.deriver, host.NewRuntime(nil)).
		WithEvents(h.events)
	return h
}

// party creates a keypair with native funds and an associated account
// holding tokens.
func (h *harness) party(t *testing.T, native, tokens uint64) (*auth.Keypair, pda.Address) {
	t.Helper()
	ctx := context.Background()
	kp, err := auth.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if err := h.ledger.Airdrop(ctx, kp.Address(), native); err != nil {
		t.Fatalf("Airdrop: %v", err)
	}
	acct, err := token.CreateAssociatedAccount(ctx, h.ledger, kp.Address(), h.mint, kp.Address())
	if err != nil {
		t.Fatalf("CreateAssociatedAccount: %v", err)
	}
	if tokens > 0 {
		if err := h.ledger.MintTo(ctx, acct.Address, tokens); err != nil {
			t.Fatalf("MintTo: %v", err)
		}
	}
	return kp, acct.Address
}

func (h *harness) balance(t *testing.T, addr pda.Address) uint64 {
	t.Helper()
	acct, err := h.ledger.GetAccount(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetAccount %s: %v", addr, err)
	}
	return acct.Amount
}

func (h *harness) native(t *testing.T, owner pda.Address) uint64 {
	t.Helper()
	n, err := h.ledger.NativeBalance(context.Background(), owner)
	if err != nil {
		t.Fatalf("NativeBalance: %v", err)
	}
	return n
}

func (h *harness) initialize(t *testing.T, id string, amount uint64) *View {
	t.Helper()
	view, err := h.engine.Initialize(context.Background(), InitializeRequest{
		Identifier: id,
		Amount:     amount,
		Mint:       h.mint,
		Opener:     h.opener.Signer(),
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return view
}

func (h *harness) deposit(t *testing.T, id string) *View {
	t.Helper()
	view, err := h.engine.Deposit(context.Background(), DepositRequest{Identifier: id, Joiner: h.joiner.Signer()})
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	return view
}

func (h *harness) addresses(t *testing.T, id string) *Addresses {
	t.Helper()
	addrs, err := h.engine.Addresses(id)
	if err != nil {
		t.Fatalf("Addresses: %v", err)
	}
	return addrs
}

func (h *harness) assertClosed(t *testing.T, id string) {
	t.Helper()
	addrs := h.addresses(t, id)
	if _, err := h.ledger.GetAccount(context.Background(), addrs.CustodyAddress); !errors.Is(err, token.ErrAccountNotFound) {
		t.Fatalf("expected custody closed, got %v", err)
	}
	if _, err := h.store.Get(context.Background(), addrs.RecordAddress); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected record absent, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	ctx := context.Background()
	openerNative := h.native(t, h.opener.Address())

	view := h.initialize(t, testID, 1000)
	if got := h.balance(t, h.openerAcct); got != 4000 {
		t.Fatalf("expected opener 4000, got %d", got)
	}
	if view.CustodyBalance != 1000 || view.Record.Stage != StageInitialized {
		t.Fatalf("unexpected view after initialize: %+v", view)
	}
	if view.Opener != h.opener.Address() || view.Mint != h.mint {
		t.Fatalf("view does not carry opener and mint: %+v", view)
	}
	if got := h.native(t, h.opener.Address()); got != openerNative-testRent {
		t.Fatalf("expected opener to pay custody rent, native %d", got)
	}

	view = h.deposit(t, testID)
	if got := h.balance(t, h.joinerAcct); got != 1000 {
		t.Fatalf("expected joiner 1000, got %d", got)
	}
	if view.CustodyBalance != 2000 || view.Record.Stage != StageDeposited {
		t.Fatalf("unexpected view after deposit: %+v", view)
	}

	settlement, err := h.engine.Outcome(ctx, OutcomeRequest{
		Identifier: testID,
		Decider:    h.arbiter.Signer(),
		Winner:     h.joiner.Address(),
	})
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if settlement.Amount != 2000 || settlement.RecipientAcct != h.joinerAcct {
		t.Fatalf("unexpected settlement %+v", settlement)
	}
	if got := h.balance(t, h.joinerAcct); got != 3000 {
		t.Fatalf("expected joiner 3000, got %d", got)
	}
	if got := h.balance(t, h.openerAcct); got != 4000 {
		t.Fatalf("expected opener unchanged at 4000, got %d", got)
	}
	if got := h.native(t, h.opener.Address()); got != openerNative {
		t.Fatalf("expected custody rent refunded to opener, native %d", got)
	}
	h.assertClosed(t, testID)

	want := []EventType{EventInitialized, EventDeposited, EventSettled}
	got := h.events.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestCancelRoundTrip(t *testing.T) {
	h := newHarness(t, 5000, 0)
	ctx := context.Background()
	openerNative := h.native(t, h.opener.Address())

	h.initialize(t, testID, 1000)
	settlement, err := h.engine.Cancel(ctx, CancelRequest{Identifier: testID, Opener: h.opener.Signer()})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if settlement.Amount != 1000 || settlement.Recipient != h.opener.Address() {
		t.Fatalf("unexpected settlement %+v", settlement)
	}
	if got := h.balance(t, h.openerAcct); got != 5000 {
		t.Fatalf("expected opener restored to 5000, got %d", got)
	}
	if got := h.native(t, h.opener.Address()); got != openerNative {
		t.Fatalf("expected rent refunded, native %d want %d", got, openerNative)
	}
	h.assertClosed(t, testID)

	// The identifier is reusable once the escrow is gone.
	h.initialize(t, testID, 500)
}

func TestInitializeInvalidIdentifier(t *testing.T) {
	h := newHarness(t, 5000, 0)
	ctx := context.Background()

	for _, id := range []string{"not-a-uuid", "", "11111111-1111-1111-1111-11111111111G", "AAAAAAAA-1111-1111-1111-111111111111"} {
		_, err := h.engine.Initialize(ctx, InitializeRequest{
			Identifier: id, Amount: 1000, Mint: h.mint, Opener: h.opener.Signer(),
		})
		if !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("%q: expected ErrInvalidIdentifier, got %v", id, err)
		}
	}
	if got := h.balance(t, h.openerAcct); got != 5000 {
		t.Fatalf("expected opener untouched, got %d", got)
	}
	recs, _ := h.store.List(ctx, ListFilter{}, 10)
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %d", len(recs))
	}
	if len(h.events.types()) != 0 {
		t.Fatal("expected no events")
	}
}

func TestInitializeRejects(t *testing.T) {
	h := newHarness(t, 5000, 0)
	ctx := context.Background()

	_, err := h.engine.Initialize(ctx, InitializeRequest{Identifier: testID, Amount: 0, Mint: h.mint, Opener: h.opener.Signer()})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_, err = h.engine.Initialize(ctx, InitializeRequest{Identifier: testID, Amount: MaxBetAmount + 1, Mint: h.mint, Opener: h.opener.Signer()})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for oversize bet, got %v", err)
	}
	_, err = h.engine.Initialize(ctx, InitializeRequest{Identifier: testID, Amount: 10, Mint: h.mint})
	if !errors.Is(err, ErrAuthorizationMismatch) {
		t.Fatalf("expected ErrAuthorizationMismatch without signer, got %v", err)
	}
	_, err = h.engine.Initialize(ctx, InitializeRequest{Identifier: testID, Amount: 5001, Mint: h.mint, Opener: h.opener.Signer()})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	_, err = h.engine.Initialize(ctx, InitializeRequest{
		Identifier: testID, Amount: 10, Mint: h.mint, Opener: h.opener.Signer(), OpenerAccount: h.joinerAcct,
	})
	if !errors.Is(err, ErrAuthorizationMismatch) {
		t.Fatalf("expected ErrAuthorizationMismatch for foreign source account, got %v", err)
	}

	h.initialize(t, testID, 1000)
	_, err = h.engine.Initialize(ctx, InitializeRequest{Identifier: testID, Amount: 1000, Mint: h.mint, Opener: h.opener.Signer()})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got := h.balance(t, h.openerAcct); got != 4000 {
		t.Fatalf("expected only one stake taken, opener %d", got)
	}
}

func TestInitializeRentShortfallRollsBack(t *testing.T) {
	h := newHarness(t, 0, 0)
	ctx := context.Background()
	poor, poorAcct := h.party(t, testRent, 100)

	_, err := h.engine.Initialize(ctx, InitializeRequest{Identifier: testID, Amount: 50, Mint: h.mint, Opener: poor.Signer()})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if !errors.Is(err, token.ErrInsufficientFunds) {
		t.Fatalf("expected ledger cause in chain, got %v", err)
	}
	if got := h.balance(t, poorAcct); got != 100 {
		t.Fatalf("expected tokens untouched, got %d", got)
	}
	addrs := h.addresses(t, testID)
	if _, err := h.store.Get(ctx, addrs.RecordAddress); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected record creation rolled back, got %v", err)
	}
}

func TestDepositRejects(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, DepositRequest{Identifier: testID, Joiner: h.joiner.Signer()}); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
	if _, err := h.engine.Deposit(ctx, DepositRequest{Identifier: "nope", Joiner: h.joiner.Signer()}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}

	h.initialize(t, testID, 1000)
	h.deposit(t, testID)

	_, err := h.engine.Deposit(ctx, DepositRequest{Identifier: testID, Joiner: h.joiner.Signer()})
	if !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage on second deposit, got %v", err)
	}
	if got := h.balance(t, h.joinerAcct); got != 1000 {
		t.Fatalf("expected joiner charged once, got %d", got)
	}
	view, err := h.engine.Get(ctx, testID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.CustodyBalance != 2000 {
		t.Fatalf("expected custody 2000, got %d", view.CustodyBalance)
	}
}

func TestDepositInsufficientAndWrongMint(t *testing.T) {
	h := newHarness(t, 5000, 999)
	ctx := context.Background()
	h.initialize(t, testID, 1000)

	if _, err := h.engine.Deposit(ctx, DepositRequest{Identifier: testID, Joiner: h.joiner.Signer()}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	other := pda.Address(crypto.Keccak256Hash([]byte("other-mint")))
	if _, err := h.ledger.CreateMint(ctx, other, 0); err != nil {
		t.Fatalf("CreateMint: %v", err)
	}
	otherAcct, err := token.CreateAssociatedAccount(ctx, h.ledger, h.joiner.Address(), other, h.joiner.Address())
	if err != nil {
		t.Fatalf("CreateAssociatedAccount: %v", err)
	}
	if err := h.ledger.MintTo(ctx, otherAcct.Address, 5000); err != nil {
		t.Fatalf("MintTo: %v", err)
	}
	_, err = h.engine.Deposit(ctx, DepositRequest{Identifier: testID, Joiner: h.joiner.Signer(), JoinerAccount: otherAcct.Address})
	if !errors.Is(err, ErrAuthorizationMismatch) {
		t.Fatalf("expected ErrAuthorizationMismatch for wrong mint, got %v", err)
	}

	view, _ := h.engine.Get(ctx, testID)
	if view.Record.Stage != StageInitialized || view.CustodyBalance != 1000 {
		t.Fatalf("expected escrow untouched, got %+v", view)
	}
}

func TestDepositRollsBackOnTransferFailure(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	ctx := context.Background()
	boom := errors.New("ledger unavailable")
	gw := &failingGateway{Gateway: transfer.NewGateway(h.ledger), allow: 1, err: boom}
	h.engine = NewEngine(h.store, gw, h.deriver, host.NewRuntime(nil)).WithEvents(h.events)

	h.initialize(t, testID, 1000)
	_, err := h.engine.Deposit(ctx, DepositRequest{Identifier: testID, Joiner: h.joiner.Signer()})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transfer failure, got %v", err)
	}

	addrs := h.addresses(t, testID)
	rec, err := h.store.Get(ctx, addrs.RecordAddress)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Stage != StageInitialized {
		t.Fatalf("expected stage rolled back to initialized, got %s", rec.Stage)
	}
	if len(h.events.types()) != 1 {
		t.Fatalf("expected no event for aborted deposit, got %v", h.events.types())
	}
}

func TestCancelRejects(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	ctx := context.Background()
	h.initialize(t, testID, 1000)

	_, err := h.engine.Cancel(ctx, CancelRequest{Identifier: testID, Opener: h.joiner.Signer()})
	if !errors.Is(err, ErrAuthorizationMismatch) {
		t.Fatalf("expected ErrAuthorizationMismatch for non-opener, got %v", err)
	}

	h.deposit(t, testID)
	_, err = h.engine.Cancel(ctx, CancelRequest{Identifier: testID, Opener: h.opener.Signer()})
	if !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage after deposit, got %v", err)
	}
	if got := h.balance(t, h.openerAcct); got != 4000 {
		t.Fatalf("expected opener unchanged, got %d", got)
	}
}

func TestOutcomeRejects(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	ctx := context.Background()
	h.initialize(t, testID, 1000)

	_, err := h.engine.Outcome(ctx, OutcomeRequest{Identifier: testID, Decider: h.arbiter.Signer(), Winner: h.joiner.Address()})
	if !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage before deposit, got %v", err)
	}

	h.deposit(t, testID)
	_, err = h.engine.Outcome(ctx, OutcomeRequest{
		Identifier:    testID,
		Decider:       h.arbiter.Signer(),
		Winner:        h.joiner.Address(),
		WinnerAccount: h.openerAcct,
	})
	if !errors.Is(err, ErrAuthorizationMismatch) {
		t.Fatalf("expected ErrAuthorizationMismatch for foreign destination, got %v", err)
	}
	_, err = h.engine.Outcome(ctx, OutcomeRequest{Identifier: testID, Winner: h.joiner.Address()})
	if !errors.Is(err, ErrAuthorizationMismatch) {
		t.Fatalf("expected ErrAuthorizationMismatch without decider, got %v", err)
	}

	view, _ := h.engine.Get(ctx, testID)
	if view.Record.Stage != StageDeposited || view.CustodyBalance != 2000 {
		t.Fatalf("expected escrow untouched, got %+v", view)
	}
	if got := h.balance(t, h.openerAcct); got != 4000 {
		t.Fatalf("expected opener unchanged, got %d", got)
	}
}

func TestOutcomeOpenerWins(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	h.initialize(t, testID, 1000)
	h.deposit(t, testID)

	_, err := h.engine.Outcome(context.Background(), OutcomeRequest{
		Identifier: testID, Decider: h.opener.Signer(), Winner: h.opener.Address(),
	})
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if got := h.balance(t, h.openerAcct); got != 6000 {
		t.Fatalf("expected opener 6000, got %d", got)
	}
	if got := h.balance(t, h.joinerAcct); got != 1000 {
		t.Fatalf("expected joiner 1000, got %d", got)
	}
	h.assertClosed(t, testID)
}

func TestDerivationIsDeterministic(t *testing.T) {
	h := newHarness(t, 5000, 0)
	ctx := context.Background()

	first := h.addresses(t, testID)
	view := h.initialize(t, testID, 1000)
	second := h.addresses(t, testID)
	if *first != *second {
		t.Fatalf("addresses changed: %+v vs %+v", first, second)
	}
	if view.Record.Address != first.RecordAddress || view.CustodyAddress != first.CustodyAddress {
		t.Fatal("view addresses differ from derived addresses")
	}
	if view.Record.StateBump != first.StateBump || view.Record.EscrowBump != first.EscrowBump {
		t.Fatal("stored bumps differ from derived bumps")
	}
	if first.RecordAddress.IsOnCurve() || first.CustodyAddress.IsOnCurve() {
		t.Fatal("derived addresses must be off curve")
	}

	signer := h.deriver.Signer(pda.NamespaceRecord, testID, view.Record.StateBump)
	authority, err := signer.Authorize()
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	custody, err := h.ledger.GetAccount(ctx, first.CustodyAddress)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if custody.Owner != authority {
		t.Fatalf("custody owner %s is not the re-derived authority %s", custody.Owner, authority)
	}

	other := h.addresses(t, "22222222-2222-2222-2222-222222222222")
	if other.RecordAddress == first.RecordAddress || other.CustodyAddress == first.CustodyAddress {
		t.Fatal("distinct identifiers derived the same address")
	}
}

func TestConcurrentDepositsAdmitOne(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	ctx := context.Background()
	second, _ := h.party(t, 1000, 2000)
	h.initialize(t, testID, 1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, kp := range []*auth.Keypair{h.joiner, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Deposit(ctx, DepositRequest{Identifier: testID, Joiner: kp.Signer()})
		}()
	}
	wg.Wait()

	ok, stage := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidStage):
			stage++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || stage != 1 {
		t.Fatalf("expected one deposit and one stage error, got %d/%d", ok, stage)
	}
	view, _ := h.engine.Get(ctx, testID)
	if view.CustodyBalance != 2000 {
		t.Fatalf("expected custody 2000, got %d", view.CustodyBalance)
	}
}

func TestListFiltersByStage(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	ctx := context.Background()
	h.initialize(t, testID, 100)
	h.initialize(t, "22222222-2222-2222-2222-222222222222", 100)
	h.deposit(t, testID)

	all, err := h.engine.List(ctx, ListFilter{}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all.Records) != 2 || all.NextCursor != "" {
		t.Fatalf("expected 2 records on one page, got %d (next %q)", len(all.Records), all.NextCursor)
	}
	deposited := StageDeposited
	only, _ := h.engine.List(ctx, ListFilter{Stage: &deposited}, 10)
	if len(only.Records) != 1 || only.Records[0].Identifier != testID {
		t.Fatalf("expected only %s deposited, got %+v", testID, only.Records)
	}
}

func TestListPagesWithCursor(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	ctx := context.Background()
	ids := []string{
		"a0000000-0000-0000-0000-000000000001",
		"a0000000-0000-0000-0000-000000000002",
		"a0000000-0000-0000-0000-000000000003",
	}
	for _, id := range ids {
		h.initialize(t, id, 10)
	}

	seen := map[string]bool{}
	filter := ListFilter{}
	pages := 0
	for {
		page, err := h.engine.List(ctx, filter, 2)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		pages++
		for _, r := range page.Records {
			if seen[r.Identifier] {
				t.Fatalf("record %s returned twice", r.Identifier)
			}
			seen[r.Identifier] = true
		}
		if page.NextCursor == "" {
			break
		}
		if filter.After, err = pagination.Decode(page.NextCursor); err != nil {
			t.Fatalf("Decode: %v", err)
		}
	}
	if pages != 2 || len(seen) != len(ids) {
		t.Fatalf("expected %d records over 2 pages, got %d over %d", len(ids), len(seen), pages)
	}
}

func TestStoreRejectsDuplicateIdentifier(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := &Record{Address: pda.Address{1}, TransactionState: TransactionState{Identifier: testID, BetAmount: 1}}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dup := &Record{Address: pda.Address{2}, TransactionState: TransactionState{Identifier: testID, BetAmount: 1}}
	if err := s.Create(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := s.Delete(ctx, pda.Address{2}); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}

type getResult struct {
	view *View
	err  error
}

type listResult struct {
	page *Page
	err  error
}

// startReads pauses Initialize inside its unit and starts a Get and a List
// against the half-built escrow.
func startReads(t *testing.T, h *harness, gw *pausingGateway) (<-chan error, <-chan getResult, <-chan listResult) {
	t.Helper()
	ctx := context.Background()
	h.engine = NewEngine(h.store, gw, h.deriver, host.NewRuntime(nil)).WithEvents(h.events)

	initDone := make(chan error, 1)
	go func() {
		_, err := h.engine.Initialize(ctx, InitializeRequest{
			Identifier: testID, Amount: 1000, Mint: h.mint, Opener: h.opener.Signer(),
		})
		initDone <- err
	}()
	<-gw.entered

	gets := make(chan getResult, 1)
	lists := make(chan listResult, 1)
	go func() {
		view, err := h.engine.Get(ctx, testID)
		gets <- getResult{view, err}
	}()
	go func() {
		page, err := h.engine.List(ctx, ListFilter{}, 10)
		lists <- listResult{page, err}
	}()

	select {
	case r := <-gets:
		if r.view != nil {
			t.Fatalf("Get returned mid-unit: stage=%s custody=%d", r.view.Record.Stage, r.view.CustodyBalance)
		}
		t.Fatalf("Get returned mid-unit: %v", r.err)
	case r := <-lists:
		if r.page != nil {
			t.Fatalf("List returned mid-unit with %d records", len(r.page.Records))
		}
		t.Fatalf("List returned mid-unit: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gw.release)
	return initDone, gets, lists
}

func TestReadsWaitForRunningUnit(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	gw := newPausingGateway(transfer.NewGateway(h.ledger), nil)

	initDone, gets, lists := startReads(t, h, gw)
	if err := <-initDone; err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	g := <-gets
	if g.err != nil {
		t.Fatalf("Get: %v", g.err)
	}
	if g.view.Record.Stage != StageInitialized || g.view.CustodyBalance != 1000 {
		t.Fatalf("expected initialized escrow holding 1000, got stage=%s custody=%d", g.view.Record.Stage, g.view.CustodyBalance)
	}

	l := <-lists
	if l.err != nil {
		t.Fatalf("List: %v", l.err)
	}
	if len(l.page.Records) != 1 || l.page.Records[0].Identifier != testID {
		t.Fatalf("expected the committed escrow listed, got %+v", l.page.Records)
	}
}

func TestReadsNeverSeeAbortedUnit(t *testing.T) {
	h := newHarness(t, 5000, 2000)
	boom := errors.New("ledger unavailable")
	gw := newPausingGateway(transfer.NewGateway(h.ledger), boom)

	initDone, gets, lists := startReads(t, h, gw)
	if err := <-initDone; !errors.Is(err, boom) {
		t.Fatalf("expected Initialize to abort, got %v", err)
	}

	if g := <-gets; !errors.Is(g.err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound after abort, got view=%+v err=%v", g.view, g.err)
	}
	l := <-lists
	if l.err != nil {
		t.Fatalf("List: %v", l.err)
	}
	if len(l.page.Records) != 0 {
		t.Fatalf("expected aborted escrow unlisted, got %d records", len(l.page.Records))
	}
	if got := h.balance(t, h.openerAcct); got != 5000 {
		t.Fatalf("expected opener balance restored, got %d", got)
	}
}
