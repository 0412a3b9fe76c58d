// Package journal persists committed settlements and reconciliation drift
// events to PostgreSQL. It is an append-mostly audit log: the in-memory paid
// flags stay authoritative for the settlement protocol itself, the journal
// makes outcomes durable and queryable for operators and the API.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	"github.com/paystreamlabs/paystream/settlement/pkg/settle"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Config struct {
	Logger *slog.Logger

	// ConnStr is a postgres:// connection string.
	ConnStr string

	MaxConns int32
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ConnStr == "" {
		return errors.New("connection string is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	return nil
}

// Store wraps a pgx pool over the journal tables.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// NewStore connects, runs pending migrations, and returns the store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := migrate(cfg.ConnStr); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Debug("journal: connected", "max_conns", cfg.MaxConns)
	return &Store{log: cfg.Logger, pool: pool}, nil
}

func migrate(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open postgres for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// RecordSettlement implements settle.Journal.
func (s *Store) RecordSettlement(ctx context.Context, rec settle.Receipt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settlements (id, employee, period_id, amount, mode, proof_hash, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.Employee.String(), int64(rec.PeriodID), int64(rec.Amount), string(rec.Mode), rec.ProofHash.String(), rec.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	s.log.Debug("journal: settlement recorded", "id", rec.ID, "employee", rec.Employee, "period", rec.PeriodID)
	return nil
}

// RecordDrift records a swallowed best-effort failure for reconciliation.
func (s *Store) RecordDrift(ctx context.Context, kind string, employee payroll.Address, periodID uint64, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drift_events (id, kind, employee, period_id, detail, observed_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.New(), kind, employee.String(), int64(periodID), detail)
	if err != nil {
		return fmt.Errorf("failed to insert drift event: %w", err)
	}
	return nil
}

// SettlementRow is one journaled settlement as served by the API.
type SettlementRow struct {
	ID        uuid.UUID `json:"id"`
	Employee  string    `json:"employee"`
	PeriodID  uint64    `json:"period_id"`
	Amount    uint64    `json:"amount"`
	Mode      string    `json:"mode"`
	ProofHash string    `json:"proof_hash"`
	SettledAt time.Time `json:"settled_at"`
}

// ListSettlements returns journaled settlements, newest first. When employee
// is non-empty the listing is filtered to that address.
func (s *Store) ListSettlements(ctx context.Context, employee string, limit, offset int) ([]SettlementRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, employee, period_id, amount, mode, proof_hash, settled_at
		FROM settlements
	`
	args := []any{}
	if employee != "" {
		query += ` WHERE employee = $1`
		args = append(args, employee)
	}
	query += fmt.Sprintf(` ORDER BY settled_at DESC, id ASC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	out := []SettlementRow{}
	for rows.Next() {
		var r SettlementRow
		var periodID, amount int64
		if err := rows.Scan(&r.ID, &r.Employee, &periodID, &amount, &r.Mode, &r.ProofHash, &r.SettledAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		r.PeriodID = uint64(periodID)
		r.Amount = uint64(amount)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read settlements: %w", err)
	}
	return out, nil
}

// CountSettlements returns the total number of journaled settlements,
// optionally filtered by employee.
func (s *Store) CountSettlements(ctx context.Context, employee string) (int, error) {
	var total int
	var err error
	if employee != "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM settlements WHERE employee = $1`, employee).Scan(&total)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM settlements`).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count settlements: %w", err)
	}
	return total, nil
}
