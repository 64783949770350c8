package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predperp/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Fill amounts are stored as NUMERIC; record bodies as JSONB with a version
// column guarding every update.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetState(ctx context.Context) (*model.State, error) {
	var st model.State
	if err := s.getRecord(ctx, `SELECT version, data FROM protocol_state WHERE key = $1`, model.StateKey(), &st.Version, &st); err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, index uint16) (*model.Market, error) {
	var m model.Market
	if err := s.getRecord(ctx, `SELECT version, data FROM markets WHERE key = $1`, model.MarketKey(index), &m.Version, &m); err != nil {
		return nil, fmt.Errorf("get market %d: %w", index, err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT version, data FROM markets ORDER BY market_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var (
			version uint64
			data    []byte
			m       model.Market
		)
		if err := rows.Scan(&version, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode market: %w", err)
		}
		m.Version = version
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, authority model.Pubkey) (*model.User, error) {
	var u model.User
	if err := s.getRecord(ctx, `SELECT version, data FROM users WHERE key = $1`, model.UserKey(authority), &u.Version, &u); err != nil {
		return nil, fmt.Errorf("get user %s: %w", authority, err)
	}
	return &u, nil
}

func (s *PostgresStore) HasAdmission(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM market_admissions WHERE key = $1)`,
		model.AdmissionKey(externalID)).Scan(&exists)
	return exists, err
}

// getRecord loads a JSONB body into dst and the version column into version.
func (s *PostgresStore) getRecord(ctx context.Context, query string, key any, version *uint64, dst any) error {
	var (
		v    uint64
		data []byte
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(&v, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	*version = v
	return nil
}

// Commit writes the batch in one transaction. Versions in the batch are
// bumped only after the transaction commits.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if b.State != nil {
			if err := writeState(ctx, tx, b.State); err != nil {
				return err
			}
		}
		for _, m := range b.Markets {
			if err := writeMarket(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, u := range b.Users {
			if err := writeUser(ctx, tx, u); err != nil {
				return err
			}
		}
		if b.Admission != nil {
			tag, err := tx.Exec(ctx,
				`INSERT INTO market_admissions (key, external_id, market_index)
				 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				model.AdmissionKey(b.Admission.ExternalID), b.Admission.ExternalID, int32(b.Admission.MarketIndex))
			if err != nil {
				return fmt.Errorf("insert admission: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return &DuplicateError{Record: RecordAdmission, Key: b.Admission.ExternalID}
			}
		}
		for i := range b.Fills {
			if err := insertFill(ctx, tx, &b.Fills[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if b.State != nil {
		b.State.Version++
	}
	for _, m := range b.Markets {
		m.Version++
	}
	for _, u := range b.Users {
		u.Version++
	}
	return nil
}

func writeState(ctx context.Context, tx pgx.Tx, st *model.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeVersioned(ctx, tx, RecordState, "singleton", st.Version,
		`INSERT INTO protocol_state (key, version, paused, data)
		 VALUES ($1, 1, $2, $3) ON CONFLICT (key) DO NOTHING`,
		`UPDATE protocol_state SET version = version + 1, paused = $2, data = $3, updated_at = now()
		 WHERE key = $1 AND version = $4`,
		model.StateKey(), st.ExchangePaused, data)
}

func writeMarket(ctx context.Context, tx pgx.Tx, m *model.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return writeVersioned(ctx, tx, RecordMarket, m.ExternalID, m.Version,
		`INSERT INTO markets (key, market_index, external_id, status, version, data)
		 VALUES ($1, $2, $3, $4, 1, $5) ON CONFLICT DO NOTHING`,
		`UPDATE markets SET version = version + 1, market_index = $2, external_id = $3, status = $4, data = $5, updated_at = now()
		 WHERE key = $1 AND version = $6`,
		model.MarketKey(m.MarketIndex), int32(m.MarketIndex), m.ExternalID, m.Status.String(), data)
}

func writeUser(ctx context.Context, tx pgx.Tx, u *model.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return writeVersioned(ctx, tx, RecordUser, u.Authority.String(), u.Version,
		`INSERT INTO users (key, authority, collateral, status, version, data)
		 VALUES ($1, $2, $3::NUMERIC, $4, 1, $5) ON CONFLICT DO NOTHING`,
		`UPDATE users SET version = version + 1, authority = $2, collateral = $3::NUMERIC, status = $4, data = $5, updated_at = now()
		 WHERE key = $1 AND version = $6`,
		model.UserKey(u.Authority), u.Authority.String(), decimal.NewFromInt(u.Collateral).String(), u.Status.String(), data)
}

// writeVersioned inserts a new record (version 0) or updates one guarded by
// its read version. The update statement takes the version as the argument
// after args.
func writeVersioned(ctx context.Context, tx pgx.Tx, kind, key string, version uint64, insert, update string, args ...any) error {
	if version == 0 {
		tag, err := tx.Exec(ctx, insert, args...)
		if err != nil {
			return fmt.Errorf("insert %s: %w", kind, err)
		}
		if tag.RowsAffected() == 0 {
			return &DuplicateError{Record: kind, Key: key}
		}
		return nil
	}
	tag, err := tx.Exec(ctx, update, append(args, int64(version))...)
	if err != nil {
		return fmt.Errorf("update %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func insertFill(ctx context.Context, tx pgx.Tx, f *model.FillRecord) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO fills (id, market_index, user_authority, filler, order_id, kind, direction,
		                    base_amount, quote_amount, price, fee, realized_pnl, mark_price_after, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14)`,
		f.ID, int32(f.MarketIndex), f.User.String(), f.Filler.String(), int64(f.OrderID),
		f.Kind.String(), f.Direction.String(),
		decimal.NewFromInt(f.BaseAmount).String(), decimal.NewFromInt(f.QuoteAmount).String(),
		decimal.NewFromInt(f.Price).String(), decimal.NewFromInt(f.Fee).String(),
		decimal.NewFromInt(f.RealizedPnl).String(), decimal.NewFromInt(f.MarkPriceAfter).String(),
		f.Ts,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFillsByMarket(ctx context.Context, index uint16) ([]model.FillRecord, error) {
	return s.queryFills(ctx, `WHERE market_index = $1`, int32(index))
}

func (s *PostgresStore) ListFillsByUser(ctx context.Context, authority model.Pubkey) ([]model.FillRecord, error) {
	return s.queryFills(ctx, `WHERE user_authority = $1`, authority.String())
}

func (s *PostgresStore) queryFills(ctx context.Context, where string, arg any) ([]model.FillRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_index, user_authority, filler, order_id, kind, direction,
		        base_amount::TEXT, quote_amount::TEXT, price::TEXT, fee::TEXT,
		        realized_pnl::TEXT, mark_price_after::TEXT, ts
		 FROM fills `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.FillRecord
	for rows.Next() {
		var (
			f                                  model.FillRecord
			marketIndex                        int32
			orderID                            int64
			user, filler, kind, direction      string
			base, quote, price, fee, pnl, mark string
		)
		if err := rows.Scan(&f.ID, &marketIndex, &user, &filler, &orderID, &kind, &direction,
			&base, &quote, &price, &fee, &pnl, &mark, &f.Ts); err != nil {
			return nil, err
		}
		f.MarketIndex = uint16(marketIndex)
		f.OrderID = uint32(orderID)
		if f.User, err = model.ParsePubkey(user); err != nil {
			return nil, fmt.Errorf("decode fill user: %w", err)
		}
		if f.Filler, err = model.ParsePubkey(filler); err != nil {
			return nil, fmt.Errorf("decode fill filler: %w", err)
		}
		if err := f.Kind.UnmarshalText([]byte(kind)); err != nil {
			return nil, err
		}
		if err := f.Direction.UnmarshalText([]byte(direction)); err != nil {
			return nil, err
		}
		for _, col := range []struct {
			src string
			dst *int64
		}{
			{base, &f.BaseAmount}, {quote, &f.QuoteAmount}, {price, &f.Price},
			{fee, &f.Fee}, {pnl, &f.RealizedPnl}, {mark, &f.MarkPriceAfter},
		} {
			d, err := decimal.NewFromString(col.src)
			if err != nil {
				return nil, fmt.Errorf("decode fill amount: %w", err)
			}
			*col.dst = d.IntPart()
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}
