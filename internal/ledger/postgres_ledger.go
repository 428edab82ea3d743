package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger inserts into the donations table created by the pgstore migrations.
// Rows are only ever inserted.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const uniqueViolation = "23505"

func (p *PostgresLedger) Append(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO donations (transaction_id, donor, amount, created_at)
VALUES ($1, $2, $3::numeric, $4)
`, rec.TransactionID, rec.Donor, rec.Amount.String(), rec.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresLedger) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
