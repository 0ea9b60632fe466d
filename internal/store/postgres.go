package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/model"
)

// Schema creates the ledger tables. Accumulator history is stored as
// NUMERIC for exact decimal precision; product and account state are
// stored as JSONB documents next to their latest settled version.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id             TEXT PRIMARY KEY,
	latest_version BIGINT NOT NULL,
	state          JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	product_id     TEXT NOT NULL REFERENCES products(id),
	account        TEXT NOT NULL,
	latest_version BIGINT NOT NULL,
	state          JSONB NOT NULL,
	PRIMARY KEY (product_id, account)
);

CREATE TABLE IF NOT EXISTS versions (
	product_id     TEXT NOT NULL REFERENCES products(id),
	version        BIGINT NOT NULL,
	value_maker    NUMERIC NOT NULL,
	value_taker    NUMERIC NOT NULL,
	share_maker    NUMERIC NOT NULL,
	share_taker    NUMERIC NOT NULL,
	position_maker NUMERIC NOT NULL,
	position_taker NUMERIC NOT NULL,
	PRIMARY KEY (product_id, version)
);
`

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreateProduct(ctx context.Context, p *model.ProductState, genesis model.VersionEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	state, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO products (id, latest_version, state) VALUES ($1, $2, $3::JSONB)`,
		p.ID, p.LatestVersion, state)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrProductExists, p.ID)
	}
	if err != nil {
		return fmt.Errorf("create product %s: %w", p.ID, err)
	}
	if err := insertVersion(ctx, tx, p.ID, genesis); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.ProductState, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM products WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}

	var p model.ProductState
	if err := json.Unmarshal(state, &p); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]model.ProductState, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []model.ProductState
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		var p model.ProductState
		if err := json.Unmarshal(state, &p); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, productID, account string) (*model.AccountState, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM accounts WHERE product_id = $1 AND account = $2`,
		productID, account).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s/%s: %w", productID, account, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s/%s: %w", productID, account, err)
	}

	var a model.AccountState
	if err := json.Unmarshal(state, &a); err != nil {
		return nil, fmt.Errorf("decode account %s/%s: %w", productID, account, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, productID string, version int64) (*model.VersionEntry, error) {
	var valueMaker, valueTaker, shareMaker, shareTaker, posMaker, posTaker string

	err := s.pool.QueryRow(ctx,
		`SELECT value_maker::TEXT, value_taker::TEXT,
		        share_maker::TEXT, share_taker::TEXT,
		        position_maker::TEXT, position_taker::TEXT
		 FROM versions WHERE product_id = $1 AND version = $2`, productID, version).
		Scan(&valueMaker, &valueTaker, &shareMaker, &shareTaker, &posMaker, &posTaker)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("version %s@%d: %w", productID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version %s@%d: %w", productID, version, err)
	}

	e := model.VersionEntry{Version: version}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.Value.Maker, valueMaker},
		{&e.Value.Taker, valueTaker},
		{&e.Share.Maker, shareMaker},
		{&e.Share.Taker, shareTaker},
		{&e.Position.Maker, posMaker},
		{&e.Position.Taker, posTaker},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("decode version %s@%d: %w", productID, version, err)
		}
	}
	return &e, nil
}

// Commit writes the batch in a single transaction. Version rows are plain
// inserts, so an attempt to rewrite history fails the whole batch.
func (s *PostgresStore) Commit(ctx context.Context, productID string, b Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if b.Product != nil {
		state, err := json.Marshal(b.Product)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE products SET latest_version = $2, state = $3::JSONB WHERE id = $1`,
			productID, b.Product.LatestVersion, state)
		if err != nil {
			return fmt.Errorf("update product %s: %w", productID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("product %s: %w", productID, ErrNotFound)
		}
	}

	for _, a := range b.Accounts {
		state, err := json.Marshal(a)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO accounts (product_id, account, latest_version, state)
			 VALUES ($1, $2, $3, $4::JSONB)
			 ON CONFLICT (product_id, account)
			 DO UPDATE SET latest_version = EXCLUDED.latest_version, state = EXCLUDED.state`,
			productID, a.Account, a.LatestVersion, state)
		if err != nil {
			return fmt.Errorf("upsert account %s/%s: %w", productID, a.Account, err)
		}
	}

	for _, v := range b.Versions {
		if err := insertVersion(ctx, tx, productID, v); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertVersion(ctx context.Context, tx pgx.Tx, productID string, v model.VersionEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO versions (product_id, version,
		                       value_maker, value_taker, share_maker, share_taker,
		                       position_maker, position_taker)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC)`,
		productID, v.Version,
		v.Value.Maker.String(), v.Value.Taker.String(),
		v.Share.Maker.String(), v.Share.Taker.String(),
		v.Position.Maker.String(), v.Position.Taker.String(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s@%d", ErrVersionExists, productID, v.Version)
	}
	if err != nil {
		return fmt.Errorf("insert version %s@%d: %w", productID, v.Version, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
