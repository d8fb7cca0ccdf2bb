// Package token is the fungible token ledger escrows move funds through.
//
// It tracks mints, token accounts and native balances. Native balances pay
// the rent deposit that backs every token account; closing an account
// refunds that deposit. Transfers and closes are authorized by an
// Authority whose address must equal the account's owner, which lets a
// derived address own a custody account without any private key.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/stakehold/internal/pda"
)

var (
	ErrMintNotFound      = errors.New("mint not found")
	ErrMintExists        = errors.New("mint already exists")
	ErrAccountNotFound   = errors.New("token account not found")
	ErrAccountExists     = errors.New("token account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOwnerMismatch     = errors.New("authority does not own account")
	ErrMintMismatch      = errors.New("accounts hold different mints")
	ErrNonZeroBalance    = errors.New("account balance is not zero")
	ErrOverflow          = errors.New("amount overflows balance")
	ErrInvalidAccount    = errors.New("invalid account")
)

var (
	// ProgramID identifies the token ledger.
	ProgramID = pda.Address(crypto.Keccak256Hash([]byte("stakehold:token-program")))
	// AssociatedProgramID identifies associated account derivation.
	AssociatedProgramID = pda.Address(crypto.Keccak256Hash([]byte("stakehold:associated-token-program")))
)

// Mint is a token type.
type Mint struct {
	Address   pda.Address `json:"address"`
	Decimals  uint8       `json:"decimals"`
	Supply    uint64      `json:"supply"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Account holds a balance of one mint on behalf of an owner.
type Account struct {
	Address     pda.Address `json:"address"`
	Mint        pda.Address `json:"mint"`
	Owner       pda.Address `json:"owner"`
	Amount      uint64      `json:"amount"`
	RentDeposit uint64      `json:"rentDeposit"`
	RentPayer   pda.Address `json:"rentPayer"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// CreateAccountParams describes a new token account. Payer funds the rent
// deposit from its native balance.
type CreateAccountParams struct {
	Address pda.Address
	Mint    pda.Address
	Owner   pda.Address
	Payer   pda.Address
}

// Authority is anything that can prove it speaks for an address: a
// verified party signature or a derived-address signer.
type Authority interface {
	Authorize() (pda.Address, error)
}

// Ledger is the token ledger contract. Implementations register undo
// steps with the host unit in ctx so a failed unit leaves no trace.
type Ledger interface {
	CreateMint(ctx context.Context, mint pda.Address, decimals uint8) (*Mint, error)
	GetMint(ctx context.Context, mint pda.Address) (*Mint, error)
	CreateAccount(ctx context.Context, p CreateAccountParams) (*Account, error)
	GetAccount(ctx context.Context, addr pda.Address) (*Account, error)
	Transfer(ctx context.Context, from, to pda.Address, amount uint64, authority Authority) error
	CloseAccount(ctx context.Context, account, destination pda.Address, authority Authority) error
	MintTo(ctx context.Context, account pda.Address, amount uint64) error
	NativeBalance(ctx context.Context, owner pda.Address) (uint64, error)
	Airdrop(ctx context.Context, owner pda.Address, amount uint64) error
	RentDeposit() uint64
}

// AssociatedAddress returns the canonical token account for (owner, mint).
func AssociatedAddress(owner, mint pda.Address) pda.Address {
	addr, _, err := pda.FindProgramAddress(
		[][]byte{owner[:], ProgramID[:], mint[:]},
		AssociatedProgramID,
	)
	if err != nil {
		// Three 32-byte seeds are always within limits.
		panic(err)
	}
	return addr
}

// CreateAssociatedAccount opens the associated account for (owner, mint).
func CreateAssociatedAccount(ctx context.Context, l Ledger, owner, mint, payer pda.Address) (*Account, error) {
	return l.CreateAccount(ctx, CreateAccountParams{
		Address: AssociatedAddress(owner, mint),
		Mint:    mint,
		Owner:   owner,
		Payer:   payer,
	})
}

func authorize(authority Authority, owner pda.Address) error {
	if authority == nil {
		return ErrOwnerMismatch
	}
	addr, err := authority.Authorize()
	if err != nil {
		return errors.Join(ErrOwnerMismatch, err)
	}
	if addr != owner {
		return ErrOwnerMismatch
	}
	return nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	if a > ^uint64(0)-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}
