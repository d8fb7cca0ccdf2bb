package token

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/stakehold/internal/host"
	"github.com/mbd888/stakehold/internal/pda"
)

// MemoryLedger is an in-memory ledger for development and testing.
type MemoryLedger struct {
	mints    map[pda.Address]*Mint
	accounts map[pda.Address]*Account
	native   map[pda.Address]uint64
	rent     uint64
	mu       sync.RWMutex
}

// NewMemoryLedger creates a ledger that charges rentDeposit per account.
func NewMemoryLedger(rentDeposit uint64) *MemoryLedger {
	return &MemoryLedger{
		mints:    make(map[pda.Address]*Mint),
		accounts: make(map[pda.Address]*Account),
		native:   make(map[pda.Address]uint64),
		rent:     rentDeposit,
	}
}

func (m *MemoryLedger) RentDeposit() uint64 {
	return m.rent
}

func (m *MemoryLedger) CreateMint(ctx context.Context, mint pda.Address, decimals uint8) (*Mint, error) {
	defer observeOp("create_mint")()
	if mint.IsZero() {
		return nil, ErrInvalidAccount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mints[mint]; ok {
		return nil, ErrMintExists
	}
	mt := &Mint{Address: mint, Decimals: decimals, CreatedAt: time.Now()}
	m.mints[mint] = mt
	host.OnAbort(ctx, func() {
		m.mu.Lock()
		delete(m.mints, mint)
		m.mu.Unlock()
	})

	cp := *mt
	return &cp, nil
}

func (m *MemoryLedger) GetMint(ctx context.Context, mint pda.Address) (*Mint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, ok := m.mints[mint]
	if !ok {
		return nil, ErrMintNotFound
	}
	cp := *mt
	return &cp, nil
}

func (m *MemoryLedger) CreateAccount(ctx context.Context, p CreateAccountParams) (*Account, error) {
	defer observeOp("create_account")()
	if p.Address.IsZero() || p.Owner.IsZero() {
		return nil, ErrInvalidAccount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[p.Address]; ok {
		return nil, ErrAccountExists
	}
	if _, ok := m.mints[p.Mint]; !ok {
		return nil, ErrMintNotFound
	}
	if m.rent > 0 {
		if m.native[p.Payer] < m.rent {
			return nil, ErrInsufficientFunds
		}
		m.native[p.Payer] -= m.rent
	}

	acct := &Account{
		Address:     p.Address,
		Mint:        p.Mint,
		Owner:       p.Owner,
		RentDeposit: m.rent,
		RentPayer:   p.Payer,
		CreatedAt:   time.Now(),
	}
	m.accounts[p.Address] = acct

	rent := m.rent
	host.OnAbort(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.accounts, p.Address)
		m.native[p.Payer] += rent
	})

	cp := *acct
	return &cp, nil
}

func (m *MemoryLedger) GetAccount(ctx context.Context, addr pda.Address) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryLedger) Transfer(ctx context.Context, from, to pda.Address, amount uint64, authority Authority) error {
	defer observeOp("transfer")()

	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.accounts[from]
	if !ok {
		return ErrAccountNotFound
	}
	dst, ok := m.accounts[to]
	if !ok {
		return ErrAccountNotFound
	}
	if err := authorize(authority, src.Owner); err != nil {
		return err
	}
	if src.Mint != dst.Mint {
		return ErrMintMismatch
	}
	if src.Amount < amount {
		return ErrInsufficientFunds
	}
	if from == to || amount == 0 {
		return nil
	}
	credited, err := checkedAdd(dst.Amount, amount)
	if err != nil {
		return err
	}

	src.Amount -= amount
	dst.Amount = credited
	host.OnAbort(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.accounts[from].Amount += amount
		m.accounts[to].Amount -= amount
	})
	return nil
}

func (m *MemoryLedger) CloseAccount(ctx context.Context, account, destination pda.Address, authority Authority) error {
	defer observeOp("close_account")()

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[account]
	if !ok {
		return ErrAccountNotFound
	}
	if err := authorize(authority, acct.Owner); err != nil {
		return err
	}
	if acct.Amount != 0 {
		return ErrNonZeroBalance
	}
	refunded, err := checkedAdd(m.native[destination], acct.RentDeposit)
	if err != nil {
		return err
	}

	delete(m.accounts, account)
	m.native[destination] = refunded

	closed := *acct
	host.OnAbort(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.native[destination] -= closed.RentDeposit
		m.accounts[account] = &closed
	})
	return nil
}

func (m *MemoryLedger) MintTo(ctx context.Context, account pda.Address, amount uint64) error {
	defer observeOp("mint_to")()

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[account]
	if !ok {
		return ErrAccountNotFound
	}
	mt := m.mints[acct.Mint]
	supply, err := checkedAdd(mt.Supply, amount)
	if err != nil {
		return err
	}
	balance, err := checkedAdd(acct.Amount, amount)
	if err != nil {
		return err
	}

	mt.Supply = supply
	acct.Amount = balance
	host.OnAbort(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.mints[mt.Address].Supply -= amount
		m.accounts[account].Amount -= amount
	})
	return nil
}

func (m *MemoryLedger) NativeBalance(ctx context.Context, owner pda.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.native[owner], nil
}

func (m *MemoryLedger) Airdrop(ctx context.Context, owner pda.Address, amount uint64) error {
	defer observeOp("airdrop")()

	m.mu.Lock()
	defer m.mu.Unlock()

	balance, err := checkedAdd(m.native[owner], amount)
	if err != nil {
		return err
	}
	m.native[owner] = balance
	host.OnAbort(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.native[owner] -= amount
	})
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
