package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// escrowCacheTTL bounds staleness of the Redis escrow snapshot; Postgres
// stays authoritative and every transition overwrites the cache.
const escrowCacheTTL = 10 * time.Minute

// Hybrid is a Postgres-backed Store with a Redis read-side cache for
// escrow snapshots.
type Hybrid struct {
	redis  *redis.Client
	PG     *pgxpool.Pool
	logger *zap.Logger
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid creates a Postgres-authoritative, Redis-cached store.
func NewHybrid(redisAddr string, redisDB int, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (*Hybrid, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
		DB:   redisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pgPoolConfig.MaxConns > 0 {
		cfg.MaxConns = pgPoolConfig.MaxConns
	}
	if pgPoolConfig.MinConns > 0 {
		cfg.MinConns = pgPoolConfig.MinConns
	}
	if pgPoolConfig.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
	}
	if pgPoolConfig.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
	}
	if pgPoolConfig.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &Hybrid{redis: rdb, PG: pgPool, logger: logger}, nil
}

// ─── Orders ──────────────────────────────────────────────────────────────────

const orderColumns = `id, owner_id, side, asset, fiat_currency, unit_price,
	quantity, filled_quantity, payment_methods, status, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.OwnerID, &o.Side, &o.Asset, &o.FiatCurrency,
		&o.UnitPrice, &o.Quantity, &o.FilledQuantity, &o.PaymentMethods,
		&o.Status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *Hybrid) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.PG.Exec(ctx, `
		INSERT INTO p2p.orders
			(id, owner_id, side, asset, fiat_currency, unit_price,
			 quantity, filled_quantity, payment_methods, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID, o.OwnerID, o.Side, o.Asset, o.FiatCurrency, o.UnitPrice,
		o.Quantity, o.FilledQuantity, o.PaymentMethods, o.Status, o.CreatedAt)
	if err != nil {
		s.logger.Error("store.pg.insert_order_failed", zap.Error(err))
	}
	return err
}

func (s *Hybrid) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.PG.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM p2p.orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *Hybrid) collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Hybrid) ListOpenOrders(ctx context.Context, asset, fiat string, side model.Side) ([]model.Order, error) {
	rows, err := s.PG.Query(ctx, `
		SELECT `+orderColumns+`
		FROM p2p.orders
		WHERE asset = $1 AND fiat_currency = $2 AND side = $3
		  AND status IN ('active', 'partially_filled')
	`, asset, fiat, side)
	if err != nil {
		return nil, err
	}
	return s.collectOrders(rows)
}

func (s *Hybrid) ListOrders(ctx context.Context, asset, fiat string, side model.Side) ([]model.Order, error) {
	rows, err := s.PG.Query(ctx, `
		SELECT `+orderColumns+`
		FROM p2p.orders
		WHERE ($1 = '' OR asset = $1)
		  AND ($2 = '' OR fiat_currency = $2)
		  AND ($3 = '' OR side = $3)
		ORDER BY created_at;
	`, asset, fiat, string(side))
	if err != nil {
		return nil, err
	}
	return s.collectOrders(rows)
}

func (s *Hybrid) HasActiveDuplicate(ctx context.Context, ownerID, asset, fiat string, side model.Side, price decimal.Decimal) (bool, error) {
	var exists bool
	err := s.PG.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM p2p.orders
			WHERE owner_id = $1 AND asset = $2 AND fiat_currency = $3
			  AND side = $4 AND unit_price = $5
			  AND status IN ('active', 'partially_filled')
		)
	`, ownerID, asset, fiat, side, price).Scan(&exists)
	return exists, err
}

func (s *Hybrid) ApplyFill(ctx context.Context, orderID string, expectedFilled, newFilled decimal.Decimal) (*model.Order, error) {
	row := s.PG.QueryRow(ctx, `
		UPDATE p2p.orders
		SET filled_quantity = $3,
		    status = CASE WHEN $3 >= quantity THEN 'filled'
		                  WHEN $3 > 0 THEN 'partially_filled'
		                  ELSE 'active' END
		WHERE id = $1 AND filled_quantity = $2 AND status <> 'cancelled'
		  AND $3 >= 0 AND $3 <= quantity
		RETURNING `+orderColumns,
		orderID, expectedFilled, newFilled)
	o, err := scanOrder(row)
	if errors.Is(err, model.ErrNotFound) {
		// Row exists but the guard failed, or the order is gone; both
		// present as a lost race to the caller.
		return nil, model.ErrConcurrentModification
	}
	return o, err
}

func (s *Hybrid) CancelOrder(ctx context.Context, orderID string, expectedFilled decimal.Decimal) (*model.Order, error) {
	tx, err := s.PG.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.OrderStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM p2p.orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if status != model.OrderStatusActive && status != model.OrderStatusPartiallyFilled {
		return nil, model.ErrInvalidState
	}

	row := tx.QueryRow(ctx, `
		UPDATE p2p.orders
		SET status = 'cancelled'
		WHERE id = $1 AND filled_quantity = $2
		RETURNING `+orderColumns,
		orderID, expectedFilled)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrConcurrentModification
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return o, nil
}

// ─── Trades ──────────────────────────────────────────────────────────────────

const tradeColumns = `id, buy_order_id, sell_order_id, buyer_id, seller_id,
	asset, fiat_currency, quantity, unit_price, fiat_amount, status, created_at`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
		&t.Asset, &t.FiatCurrency, &t.Quantity, &t.UnitPrice, &t.FiatAmount,
		&t.Status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Hybrid) CreateTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.PG.Exec(ctx, `
		INSERT INTO p2p.trades
			(id, buy_order_id, sell_order_id, buyer_id, seller_id,
			 asset, fiat_currency, quantity, unit_price, fiat_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		t.Asset, t.FiatCurrency, t.Quantity, t.UnitPrice, t.FiatAmount, t.Status, t.CreatedAt)
	if err != nil {
		s.logger.Error("store.pg.insert_trade_failed", zap.Error(err))
	}
	return err
}

func (s *Hybrid) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.PG.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM p2p.trades WHERE id = $1`, id)
	return scanTrade(row)
}

func (s *Hybrid) SetTradeStatus(ctx context.Context, tradeID string, status model.TradeStatus) error {
	tag, err := s.PG.Exec(ctx,
		`UPDATE p2p.trades SET status = $2 WHERE id = $1`, tradeID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Hybrid) ListUserTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.PG.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM p2p.trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at;
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ─── Escrows ─────────────────────────────────────────────────────────────────

const escrowColumns = `id, trade_id, buyer_id, seller_id, asset, fiat_currency,
	state, locked_quantity, fiat_amount, lock_token, payment_deadline,
	payment_confirmed_at, release_confirmed_at, dispute_opened_at,
	cancel_requested_by, reason, fee_amount, net_amount, created_at, updated_at`

func scanEscrow(row pgx.Row) (*model.Escrow, error) {
	var e model.Escrow
	err := row.Scan(&e.ID, &e.TradeID, &e.BuyerID, &e.SellerID, &e.Asset, &e.FiatCurrency,
		&e.State, &e.LockedQuantity, &e.FiatAmount, &e.LockToken, &e.PaymentDeadline,
		&e.PaymentConfirmedAt, &e.ReleaseConfirmedAt, &e.DisputeOpenedAt,
		&e.CancelRequestedBy, &e.Reason, &e.FeeAmount, &e.NetAmount, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func escrowCacheKey(id string) string { return "escrow:" + id }

func (s *Hybrid) cacheEscrow(ctx context.Context, e *model.Escrow) {
	if err := s.SetJSON(ctx, escrowCacheKey(e.ID), e, escrowCacheTTL); err != nil {
		s.logger.Warn("store.redis.escrow_cache_failed",
			zap.String("escrow_id", e.ID), zap.Error(err))
	}
}

func (s *Hybrid) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	_, err := s.PG.Exec(ctx, `
		INSERT INTO p2p.escrows
			(id, trade_id, buyer_id, seller_id, asset, fiat_currency,
			 state, locked_quantity, fiat_amount, lock_token, payment_deadline,
			 payment_confirmed_at, release_confirmed_at, dispute_opened_at,
			 cancel_requested_by, reason, fee_amount, net_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, e.ID, e.TradeID, e.BuyerID, e.SellerID, e.Asset, e.FiatCurrency,
		e.State, e.LockedQuantity, e.FiatAmount, e.LockToken, e.PaymentDeadline,
		e.PaymentConfirmedAt, e.ReleaseConfirmedAt, e.DisputeOpenedAt,
		e.CancelRequestedBy, e.Reason, e.FeeAmount, e.NetAmount, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		s.logger.Error("store.pg.insert_escrow_failed", zap.Error(err))
		return err
	}
	s.cacheEscrow(ctx, e)
	return nil
}

// GetEscrow reads through the Redis cache; a miss falls back to Postgres.
func (s *Hybrid) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	var cached model.Escrow
	if err := s.GetJSON(ctx, escrowCacheKey(id), &cached); err == nil {
		return &cached, nil
	}

	row := s.PG.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM p2p.escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err != nil {
		return nil, err
	}
	s.cacheEscrow(ctx, e)
	return e, nil
}

func (s *Hybrid) TransitionEscrow(ctx context.Context, id string, from model.EscrowState, mutate func(*model.Escrow)) (*model.Escrow, error) {
	tx, err := s.PG.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM p2p.escrows WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEscrow(row)
	if err != nil {
		return nil, err
	}
	if e.State != from {
		return nil, model.ErrConcurrentModification
	}

	mutate(e)
	e.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE p2p.escrows
		SET state = $2, lock_token = $3, payment_deadline = $4,
		    payment_confirmed_at = $5, release_confirmed_at = $6,
		    dispute_opened_at = $7, cancel_requested_by = $8, reason = $9,
		    fee_amount = $10, net_amount = $11, updated_at = $12
		WHERE id = $1
	`, e.ID, e.State, e.LockToken, e.PaymentDeadline,
		e.PaymentConfirmedAt, e.ReleaseConfirmedAt,
		e.DisputeOpenedAt, e.CancelRequestedBy, e.Reason,
		e.FeeAmount, e.NetAmount, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.cacheEscrow(ctx, e)
	return e, nil
}

func (s *Hybrid) ListExpiredEscrows(ctx context.Context, before time.Time, limit int) ([]model.Escrow, error) {
	rows, err := s.PG.Query(ctx, `
		SELECT `+escrowColumns+`
		FROM p2p.escrows
		WHERE state IN ('awaiting_payment', 'awaiting_release')
		  AND payment_deadline < $1
		ORDER BY payment_deadline
		LIMIT $2;
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ─── Disputes ────────────────────────────────────────────────────────────────

const disputeColumns = `id, escrow_id, opened_by, reason, evidence,
	resolution, arbiter_id, split_ratio, opened_at, resolved_at`

func scanDispute(row pgx.Row) (*model.Dispute, error) {
	var d model.Dispute
	var resolution, arbiterID, splitRatio *string
	err := row.Scan(&d.ID, &d.EscrowID, &d.OpenedBy, &d.Reason, &d.Evidence,
		&resolution, &arbiterID, &splitRatio, &d.OpenedAt, &d.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if resolution != nil {
		d.Resolution = model.Resolution(*resolution)
	}
	if arbiterID != nil {
		d.ArbiterID = *arbiterID
	}
	if splitRatio != nil {
		d.SplitRatio = *splitRatio
	}
	return &d, nil
}

func (s *Hybrid) CreateDispute(ctx context.Context, d *model.Dispute) error {
	_, err := s.PG.Exec(ctx, `
		INSERT INTO p2p.disputes
			(id, escrow_id, opened_by, reason, evidence, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.ID, d.EscrowID, d.OpenedBy, d.Reason, d.Evidence, d.OpenedAt)
	if err != nil {
		s.logger.Error("store.pg.insert_dispute_failed", zap.Error(err))
	}
	return err
}

func (s *Hybrid) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	row := s.PG.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM p2p.disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (s *Hybrid) GetOpenDisputeByEscrow(ctx context.Context, escrowID string) (*model.Dispute, error) {
	row := s.PG.QueryRow(ctx, `
		SELECT `+disputeColumns+`
		FROM p2p.disputes
		WHERE escrow_id = $1 AND resolved_at IS NULL
		LIMIT 1;
	`, escrowID)
	return scanDispute(row)
}

func (s *Hybrid) ResolveDispute(ctx context.Context, id string, res model.Resolution, arbiterID, splitRatio string) (*model.Dispute, error) {
	row := s.PG.QueryRow(ctx, `
		UPDATE p2p.disputes
		SET resolution = $2, arbiter_id = $3, split_ratio = $4, resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING `+disputeColumns,
		id, res, arbiterID, splitRatio)
	d, err := scanDispute(row)
	if errors.Is(err, model.ErrNotFound) {
		// Distinguish missing from already-resolved.
		if _, getErr := s.GetDispute(ctx, id); getErr == nil {
			return nil, model.ErrAlreadyResolved
		}
		return nil, model.ErrNotFound
	}
	return d, err
}

// ─── Cache helpers / lifecycle ───────────────────────────────────────────────

func (s *Hybrid) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *Hybrid) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *Hybrid) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *Hybrid) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
