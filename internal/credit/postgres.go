package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/routstr/proxy/internal/config"
	"github.com/routstr/proxy/internal/metrics"
)

// PostgresStore implements Store against a credential table (§3) using
// single-statement atomic UPDATEs for every mutation (§4.4, I1).
type PostgresStore struct {
	db        *sql.DB
	ownsDB    bool
	tableName string
	metrics   *metrics.Metrics
}

// NewPostgresStore opens its own connection pool.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, tableName string, m *metrics.Metrics) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)
	if tableName == "" {
		tableName = "credential"
	}
	return &PostgresStore{db: db, ownsDB: true, tableName: tableName, metrics: m}, nil
}

// NewPostgresStoreWithDB shares an existing pool (e.g. dbpool.SharedPool).
func NewPostgresStoreWithDB(db *sql.DB, tableName string, m *metrics.Metrics) *PostgresStore {
	if tableName == "" {
		tableName = "credential"
	}
	return &PostgresStore{db: db, tableName: tableName, metrics: m}
}

// Close releases the connection pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) observe(operation string, start time.Time) {
	metrics.RecordDBQuery(s.metrics, operation, "postgres", time.Since(start))
}

// GetOrCreate inserts a new row on conflict-do-nothing, then returns whatever
// row ends up present. Handles the race of two concurrent first-redemptions
// of the same ecash bearer without a read-then-write window.
func (s *PostgresStore) GetOrCreate(ctx context.Context, fingerprint string, opts NewCredentialOptions) (*Credential, error) {
	start := time.Now()
	defer s.observe("get_or_create", start)

	currency := opts.RefundCurrency
	if currency == "" {
		currency = UnitSat
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (fingerprint, balance_msat, reserved_msat, refund_address, refund_mint,
		                 refund_currency, parent_fingerprint, created_at, refund_expiration)
		VALUES ($1, 0, 0, $2, $3, $4, $5, now(), $6)
		ON CONFLICT (fingerprint) DO NOTHING
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, query,
		fingerprint, nullString(opts.RefundAddress), nullString(opts.RefundMint),
		currency, nullString(opts.ParentFingerprint), opts.RefundExpiration,
	); err != nil {
		return nil, fmt.Errorf("credit: insert credential: %w", err)
	}

	return s.Get(ctx, fingerprint)
}

func (s *PostgresStore) Get(ctx context.Context, fingerprint string) (*Credential, error) {
	start := time.Now()
	defer s.observe("get", start)

	query := fmt.Sprintf(`
		SELECT fingerprint, balance_msat, reserved_msat, refund_address, refund_mint,
		       refund_currency, parent_fingerprint, created_at, refund_expiration
		FROM %s WHERE fingerprint = $1
	`, s.tableName)

	var c Credential
	var refundAddress, refundMint, parentFP sql.NullString
	var refundExpiration sql.NullTime

	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(
		&c.Fingerprint, &c.BalanceMsat, &c.ReservedMsat,
		&refundAddress, &refundMint, &c.RefundCurrency, &parentFP,
		&c.CreatedAt, &refundExpiration,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credit: get credential: %w", err)
	}
	c.RefundAddress = refundAddress.String
	c.RefundMint = refundMint.String
	c.ParentFingerprint = parentFP.String
	if refundExpiration.Valid {
		t := refundExpiration.Time
		c.RefundExpiration = &t
	}
	return &c, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, fingerprint string, amountMsat int64) error {
	start := time.Now()
	defer s.observe("reserve", start)

	query := fmt.Sprintf(`
		UPDATE %s
		SET balance_msat = balance_msat - $2, reserved_msat = reserved_msat + $2
		WHERE fingerprint = $1 AND balance_msat >= $2
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, fingerprint, amountMsat)
	if err != nil {
		return fmt.Errorf("credit: reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit: reserve rows affected: %w", err)
	}
	if n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) Settle(ctx context.Context, fingerprint string, reservedAmount, actualAmount int64) error {
	start := time.Now()
	defer s.observe("settle", start)

	actualAmount = ClipActual(actualAmount, reservedAmount)
	query := fmt.Sprintf(`
		UPDATE %s
		SET reserved_msat = reserved_msat - $2,
		    balance_msat  = balance_msat + ($2 - $3)
		WHERE fingerprint = $1
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, query, fingerprint, reservedAmount, actualAmount); err != nil {
		return fmt.Errorf("credit: settle: %w", err)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, fingerprint string, reservedAmount int64) error {
	return s.Settle(ctx, fingerprint, reservedAmount, 0)
}

func (s *PostgresStore) Credit(ctx context.Context, fingerprint string, amountMsat int64) error {
	start := time.Now()
	defer s.observe("credit", start)

	query := fmt.Sprintf(`UPDATE %s SET balance_msat = balance_msat + $2 WHERE fingerprint = $1`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, fingerprint, amountMsat); err != nil {
		return fmt.Errorf("credit: credit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, fingerprint string) error {
	start := time.Now()
	defer s.observe("delete", start)

	query := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, fingerprint); err != nil {
		return fmt.Errorf("credit: delete: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
