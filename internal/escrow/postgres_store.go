package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/mbd888/stakehold/internal/host"
	"github.com/mbd888/stakehold/internal/pda"
)

// PostgresStore persists records in PostgreSQL. The serialized record is
// authoritative; the scalar columns exist for filtering and inspection.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the record table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_records (
			address      VARCHAR(66) PRIMARY KEY,
			identifier   VARCHAR(36) NOT NULL UNIQUE,
			stage        SMALLINT NOT NULL,
			bet_amount   NUMERIC(20,0) NOT NULL,
			state_bump   SMALLINT NOT NULL,
			escrow_bump  SMALLINT NOT NULL,
			data         BYTEA NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_escrow_stage CHECK (stage IN (0, 1)),
			CONSTRAINT chk_escrow_amount_pos CHECK (bet_amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_records_stage ON escrow_records(stage, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	data, err := rec.TransactionState.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = host.QuerierFor(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_records (
			address, identifier, stage, bet_amount, state_bump, escrow_bump,
			data, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,0), $5, $6, $7, $8, $9)`,
		rec.Address, rec.Identifier, int(rec.Stage), formatAmount(rec.BetAmount),
		int(rec.StateBump), int(rec.EscrowBump), data, rec.CreatedAt, rec.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create escrow record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, addr pda.Address) (*Record, error) {
	row := host.QuerierFor(ctx, p.db).QueryRowContext(ctx, `
		SELECT address, data, created_at, updated_at
		FROM escrow_records WHERE address = $1`, addr)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return rec, err
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	data, err := rec.TransactionState.MarshalBinary()
	if err != nil {
		return err
	}
	res, err := host.QuerierFor(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_records SET
			stage = $1, bet_amount = $2::NUMERIC(20,0), data = $3, updated_at = $4
		WHERE address = $5`,
		int(rec.Stage), formatAmount(rec.BetAmount), data, rec.UpdatedAt, rec.Address,
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow record: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, addr pda.Address) error {
	res, err := host.QuerierFor(ctx, p.db).ExecContext(ctx,
		`DELETE FROM escrow_records WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("failed to delete escrow record: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter, limit int) ([]*Record, error) {
	var stage sql.NullInt16
	if filter.Stage != nil {
		stage = sql.NullInt16{Int16: int16(*filter.Stage), Valid: true}
	}
	var afterAt sql.NullTime
	var afterKey sql.NullString
	if filter.After != nil {
		afterAt = sql.NullTime{Time: filter.After.CreatedAt, Valid: true}
		afterKey = sql.NullString{String: filter.After.Key, Valid: true}
	}
	rows, err := host.QuerierFor(ctx, p.db).QueryContext(ctx, `
		SELECT address, data, created_at, updated_at
		FROM escrow_records
		WHERE ($1::SMALLINT IS NULL OR stage = $1)
		  AND ($3::TIMESTAMPTZ IS NULL OR (created_at, address) < ($3, $4::VARCHAR))
		ORDER BY created_at DESC, address DESC
		LIMIT $2`, stage, limit, afterAt, afterKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var data []byte
	if err := s.Scan(&rec.Address, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := rec.TransactionState.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.Address, err)
	}
	return rec, nil
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

var _ Store = (*PostgresStore)(nil)
