package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/pool-markets/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All value amounts are stored as NUMERIC(78,0) and exchanged with the
// database as decimal text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies embedded migrations that have not run yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name()); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveMarket(ctx context.Context, snap model.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save %s: %w", snap.ID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var basisPool, basisYes, basisNo *string
	if snap.Basis != nil {
		basisPool, basisYes, basisNo = decPtr(snap.Basis.TotalPool), decPtr(snap.Basis.YesOutstanding), decPtr(snap.Basis.NoOutstanding)
	}
	outcome := ""
	if snap.Outcome.Valid() {
		outcome = snap.Outcome.String()
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO markets (
			id, factory, initialized, question, description, end_time, authority,
			min_stake, max_stake, state, outcome, resolved_at, cancelled_at, created_at,
			yes_pool, no_pool, total_volume, stake_count, event_seq,
			basis_total_pool, basis_yes, basis_no, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14,
			$15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18, $19,
			$20::NUMERIC, $21::NUMERIC, $22::NUMERIC, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			initialized      = EXCLUDED.initialized,
			question         = EXCLUDED.question,
			description      = EXCLUDED.description,
			end_time         = EXCLUDED.end_time,
			authority        = EXCLUDED.authority,
			min_stake        = EXCLUDED.min_stake,
			max_stake        = EXCLUDED.max_stake,
			state            = EXCLUDED.state,
			outcome          = EXCLUDED.outcome,
			resolved_at      = EXCLUDED.resolved_at,
			cancelled_at     = EXCLUDED.cancelled_at,
			yes_pool         = EXCLUDED.yes_pool,
			no_pool          = EXCLUDED.no_pool,
			total_volume     = EXCLUDED.total_volume,
			stake_count      = EXCLUDED.stake_count,
			event_seq        = EXCLUDED.event_seq,
			basis_total_pool = EXCLUDED.basis_total_pool,
			basis_yes        = EXCLUDED.basis_yes,
			basis_no         = EXCLUDED.basis_no,
			updated_at       = NOW()
		WHERE markets.event_seq <= EXCLUDED.event_seq`,
		snap.ID, snap.Factory.Hex(), snap.Initialized, snap.Config.Question, snap.Config.Description,
		snap.Config.EndTime, snap.Config.Authority.Hex(),
		dec(snap.Config.MinStake), dec(snap.Config.MaxStake), snap.State.String(), outcome,
		snap.ResolvedAt, snap.CancelledAt, snap.CreatedAt,
		dec(snap.Pools.Yes), dec(snap.Pools.No), dec(snap.TotalVolume), int64(snap.StakeCount), int64(snap.EventSeq),
		basisPool, basisYes, basisNo,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", snap.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Stale snapshot: a newer one is already stored.
		return nil
	}

	if len(snap.Positions) > 0 {
		batch := &pgx.Batch{}
		const query = `
			INSERT INTO positions (market_id, participant, ord, yes_shares, no_shares, claimed)
			VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
			ON CONFLICT (market_id, participant) DO UPDATE SET
				yes_shares = EXCLUDED.yes_shares,
				no_shares  = EXCLUDED.no_shares,
				claimed    = EXCLUDED.claimed`
		for i, p := range snap.Positions {
			batch.Queue(query, snap.ID, p.Participant.Hex(), i, dec(p.YesShares), dec(p.NoShares), p.Claimed)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range snap.Positions {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("postgres: upsert position %d of %s: %w", i, snap.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close position batch %s: %w", snap.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit market %s: %w", snap.ID, err)
	}
	return nil
}

const marketColumns = `
	id, factory, initialized, question, description, end_time, authority,
	min_stake::TEXT, max_stake::TEXT, state, outcome, resolved_at, cancelled_at, created_at,
	yes_pool::TEXT, no_pool::TEXT, total_volume::TEXT, stake_count, event_seq,
	basis_total_pool::TEXT, basis_yes::TEXT, basis_no::TEXT`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (model.Snapshot, error) {
	snap, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Snapshot{}, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}

	positions, err := s.positions(ctx, `WHERE market_id = $1`, id)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap.Positions = positions[id]
	return snap, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		snap, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}

	positions, err := s.positions(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Positions = positions[out[i].ID]
	}
	return out, nil
}

func (s *PostgresStore) positions(ctx context.Context, where string, args ...any) (map[string][]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, participant, yes_shares::TEXT, no_shares::TEXT, claimed
		 FROM positions `+where+` ORDER BY market_id, ord`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.Position)
	for rows.Next() {
		var marketID, participant, yes, no string
		var claimed bool
		if err := rows.Scan(&marketID, &participant, &yes, &no, &claimed); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p := model.NewPosition(common.HexToAddress(participant))
		if p.YesShares, err = parseDec(yes); err != nil {
			return nil, err
		}
		if p.NoShares, err = parseDec(no); err != nil {
			return nil, err
		}
		p.Claimed = claimed
		out[marketID] = append(out[marketID], p)
	}
	return out, rows.Err()
}

func scanMarket(row pgx.Row) (model.Snapshot, error) {
	var snap model.Snapshot
	var factory, authority, state, outcome string
	var minStake, maxStake, yesPool, noPool, volume string
	var stakeCount, eventSeq int64
	var basisPool, basisYes, basisNo *string

	err := row.Scan(
		&snap.ID, &factory, &snap.Initialized, &snap.Config.Question, &snap.Config.Description,
		&snap.Config.EndTime, &authority,
		&minStake, &maxStake, &state, &outcome, &snap.ResolvedAt, &snap.CancelledAt, &snap.CreatedAt,
		&yesPool, &noPool, &volume, &stakeCount, &eventSeq,
		&basisPool, &basisYes, &basisNo,
	)
	if err != nil {
		return model.Snapshot{}, err
	}

	snap.Factory = common.HexToAddress(factory)
	snap.Config.Authority = common.HexToAddress(authority)
	snap.StakeCount = uint64(stakeCount)
	snap.EventSeq = uint64(eventSeq)
	if snap.State, err = model.ParseState(state); err != nil {
		return model.Snapshot{}, err
	}
	if outcome != "" {
		if snap.Outcome, err = model.ParseSide(outcome); err != nil {
			return model.Snapshot{}, err
		}
	}

	vals := []struct {
		src string
		dst **uint256.Int
	}{
		{minStake, &snap.Config.MinStake},
		{maxStake, &snap.Config.MaxStake},
		{yesPool, &snap.Pools.Yes},
		{noPool, &snap.Pools.No},
		{volume, &snap.TotalVolume},
	}
	for _, v := range vals {
		if *v.dst, err = parseDec(v.src); err != nil {
			return model.Snapshot{}, err
		}
	}

	if basisPool != nil && basisYes != nil && basisNo != nil {
		var b model.SettlementBasis
		if b.TotalPool, err = parseDec(*basisPool); err != nil {
			return model.Snapshot{}, err
		}
		if b.YesOutstanding, err = parseDec(*basisYes); err != nil {
			return model.Snapshot{}, err
		}
		if b.NoOutstanding, err = parseDec(*basisNo); err != nil {
			return model.Snapshot{}, err
		}
		snap.Basis = &b
	}
	return snap, nil
}

func (s *PostgresStore) AppendEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("postgres: encode event %s: %w", e.ID, err)
		}
		batch.Queue(
			`INSERT INTO market_events (id, market_id, seq, type, ts, payload)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT DO NOTHING`,
			e.ID, e.MarketID, int64(e.Seq), string(e.Type), e.Timestamp, payload,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert event batch item %d: %w", i, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, marketID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM market_events WHERE market_id = $1 ORDER BY seq`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		var e model.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("postgres: decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordPayout(ctx context.Context, p model.Payout) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payouts (id, market_id, participant, amount, refund, ts)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		p.ID, p.MarketID, p.Participant.Hex(), dec(p.Amount), p.Refund, p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: record payout %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, participant, amount::TEXT, refund, ts
		 FROM payouts WHERE market_id = $1 ORDER BY ts, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query payouts %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []model.Payout
	for rows.Next() {
		var p model.Payout
		var participant, amount string
		var ts time.Time
		if err := rows.Scan(&p.ID, &p.MarketID, &participant, &amount, &p.Refund, &ts); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		p.Participant = common.HexToAddress(participant)
		p.Timestamp = ts.UTC()
		if p.Amount, err = parseDec(amount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func decPtr(v *uint256.Int) *string {
	s := dec(v)
	return &s
}

func parseDec(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse numeric %q: %w", s, err)
	}
	return v, nil
}
