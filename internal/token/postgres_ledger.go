package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/stakehold/internal/host"
	"github.com/mbd888/stakehold/internal/pda"
)

// PostgresLedger implements Ledger with PostgreSQL. Inside a host unit it
// joins the unit's transaction; otherwise each call runs in its own.
type PostgresLedger struct {
	db   *sql.DB
	rent uint64
}

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB, rentDeposit uint64) *PostgresLedger {
	return &PostgresLedger{db: db, rent: rentDeposit}
}

// Migrate creates the ledger tables.
func (p *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS token_mints (
			address     VARCHAR(66) PRIMARY KEY,
			decimals    SMALLINT NOT NULL,
			supply      NUMERIC(20,0) NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS token_accounts (
			address       VARCHAR(66) PRIMARY KEY,
			mint          VARCHAR(66) NOT NULL REFERENCES token_mints(address),
			owner         VARCHAR(66) NOT NULL,
			amount        NUMERIC(20,0) NOT NULL DEFAULT 0,
			rent_deposit  NUMERIC(20,0) NOT NULL DEFAULT 0,
			rent_payer    VARCHAR(66) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_token_amount_nonneg CHECK (amount >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_token_accounts_owner ON token_accounts(owner);

		CREATE TABLE IF NOT EXISTS native_balances (
			owner       VARCHAR(66) PRIMARY KEY,
			amount      NUMERIC(20,0) NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_native_amount_nonneg CHECK (amount >= 0)
		);
	`)
	return err
}

func (p *PostgresLedger) RentDeposit() uint64 {
	return p.rent
}

func (p *PostgresLedger) CreateMint(ctx context.Context, mint pda.Address, decimals uint8) (*Mint, error) {
	defer observeOp("create_mint")()
	if mint.IsZero() {
		return nil, ErrInvalidAccount
	}

	mt := &Mint{Address: mint, Decimals: decimals, CreatedAt: time.Now()}
	res, err := host.QuerierFor(ctx, p.db).ExecContext(ctx, `
		INSERT INTO token_mints (address, decimals, supply, created_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (address) DO NOTHING
	`, mint, int(decimals), mt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create mint: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrMintExists
	}
	return mt, nil
}

func (p *PostgresLedger) GetMint(ctx context.Context, mint pda.Address) (*Mint, error) {
	mt := &Mint{}
	var decimals int
	err := host.QuerierFor(ctx, p.db).QueryRowContext(ctx, `
		SELECT address, decimals, supply, created_at FROM token_mints WHERE address = $1
	`, mint).Scan(&mt.Address, &decimals, &mt.Supply, &mt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMintNotFound
	}
	if err != nil {
		return nil, err
	}
	mt.Decimals = uint8(decimals)
	return mt, nil
}

func (p *PostgresLedger) CreateAccount(ctx context.Context, params CreateAccountParams) (*Account, error) {
	defer observeOp("create_account")()
	if params.Address.IsZero() || params.Owner.IsZero() {
		return nil, ErrInvalidAccount
	}

	acct := &Account{
		Address:     params.Address,
		Mint:        params.Mint,
		Owner:       params.Owner,
		RentDeposit: p.rent,
		RentPayer:   params.Payer,
		CreatedAt:   time.Now(),
	}

	err := host.WithTx(ctx, p.db, func(q host.Querier) error {
		var exists bool
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM token_accounts WHERE address = $1)`, params.Address,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrAccountExists
		}
		if err := q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM token_mints WHERE address = $1)`, params.Mint,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrMintNotFound
		}

		if p.rent > 0 {
			if err := debitNative(ctx, q, params.Payer, p.rent); err != nil {
				return err
			}
		}

		_, err := q.ExecContext(ctx, `
			INSERT INTO token_accounts (address, mint, owner, amount, rent_deposit, rent_payer, created_at)
			VALUES ($1, $2, $3, 0, $4::NUMERIC(20,0), $5, $6)
		`, acct.Address, acct.Mint, acct.Owner, formatAmount(acct.RentDeposit), acct.RentPayer, acct.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert token account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresLedger) GetAccount(ctx context.Context, addr pda.Address) (*Account, error) {
	return p.getAccount(ctx, host.QuerierFor(ctx, p.db), addr, false)
}

func (p *PostgresLedger) getAccount(ctx context.Context, q host.Querier, addr pda.Address, forUpdate bool) (*Account, error) {
	query := `
		SELECT address, mint, owner, amount, rent_deposit, rent_payer, created_at
		FROM token_accounts WHERE address = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	acct := &Account{}
	err := q.QueryRowContext(ctx, query, addr).Scan(
		&acct.Address, &acct.Mint, &acct.Owner, &acct.Amount,
		&acct.RentDeposit, &acct.RentPayer, &acct.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresLedger) Transfer(ctx context.Context, from, to pda.Address, amount uint64, authority Authority) error {
	defer observeOp("transfer")()

	return host.WithTx(ctx, p.db, func(q host.Querier) error {
		src, err := p.getAccount(ctx, q, from, true)
		if err != nil {
			return err
		}
		dst, err := p.getAccount(ctx, q, to, true)
		if err != nil {
			return err
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
		if _, err := checkedAdd(dst.Amount, amount); err != nil {
			return err
		}

		if _, err := q.ExecContext(ctx,
			`UPDATE token_accounts SET amount = amount - $2::NUMERIC(20,0) WHERE address = $1`,
			from, formatAmount(amount),
		); err != nil {
			return fmt.Errorf("failed to debit %s: %w", from, err)
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE token_accounts SET amount = amount + $2::NUMERIC(20,0) WHERE address = $1`,
			to, formatAmount(amount),
		); err != nil {
			return fmt.Errorf("failed to credit %s: %w", to, err)
		}
		return nil
	})
}

func (p *PostgresLedger) CloseAccount(ctx context.Context, account, destination pda.Address, authority Authority) error {
	defer observeOp("close_account")()

	return host.WithTx(ctx, p.db, func(q host.Querier) error {
		acct, err := p.getAccount(ctx, q, account, true)
		if err != nil {
			return err
		}
		if err := authorize(authority, acct.Owner); err != nil {
			return err
		}
		if acct.Amount != 0 {
			return ErrNonZeroBalance
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM token_accounts WHERE address = $1`, account); err != nil {
			return fmt.Errorf("failed to close %s: %w", account, err)
		}
		return creditNative(ctx, q, destination, acct.RentDeposit)
	})
}

func (p *PostgresLedger) MintTo(ctx context.Context, account pda.Address, amount uint64) error {
	defer observeOp("mint_to")()

	return host.WithTx(ctx, p.db, func(q host.Querier) error {
		acct, err := p.getAccount(ctx, q, account, true)
		if err != nil {
			return err
		}
		if _, err := checkedAdd(acct.Amount, amount); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE token_accounts SET amount = amount + $2::NUMERIC(20,0) WHERE address = $1`,
			account, formatAmount(amount),
		); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx,
			`UPDATE token_mints SET supply = supply + $2::NUMERIC(20,0) WHERE address = $1`,
			acct.Mint, formatAmount(amount),
		)
		return err
	})
}

func (p *PostgresLedger) NativeBalance(ctx context.Context, owner pda.Address) (uint64, error) {
	var amount uint64
	err := host.QuerierFor(ctx, p.db).QueryRowContext(ctx,
		`SELECT amount FROM native_balances WHERE owner = $1`, owner,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

func (p *PostgresLedger) Airdrop(ctx context.Context, owner pda.Address, amount uint64) error {
	defer observeOp("airdrop")()
	return host.WithTx(ctx, p.db, func(q host.Querier) error {
		return creditNative(ctx, q, owner, amount)
	})
}

func debitNative(ctx context.Context, q host.Querier, owner pda.Address, amount uint64) error {
	var balance uint64
	err := q.QueryRowContext(ctx,
		`SELECT amount FROM native_balances WHERE owner = $1 FOR UPDATE`, owner,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && balance < amount) {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE native_balances SET amount = amount - $2::NUMERIC(20,0), updated_at = NOW()
		WHERE owner = $1
	`, owner, formatAmount(amount))
	return err
}

func creditNative(ctx context.Context, q host.Querier, owner pda.Address, amount uint64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO native_balances (owner, amount, updated_at)
		VALUES ($1, $2::NUMERIC(20,0), NOW())
		ON CONFLICT (owner) DO UPDATE SET
			amount = native_balances.amount + EXCLUDED.amount,
			updated_at = NOW()
	`, owner, formatAmount(amount))
	return err
}

// formatAmount passes uint64 values as text; database/sql rejects
// uint64 arguments with the high bit set.
func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

var _ Ledger = (*PostgresLedger)(nil)
