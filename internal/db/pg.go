package db

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Pools bundles the write-path primary pool with an optional read replica.
// Reads that tolerate replica lag go through Reader(); writes always go
// through Primary.
type Pools struct {
	Primary *pgxpool.Pool
	Replica *pgxpool.Pool // nil when no replica is configured
}

// Open creates the PostgreSQL connection pools. The replica URL may be empty,
// in which case reads fall through to the primary.
func Open(ctx context.Context, primaryURL, replicaURL string, queryTimeout time.Duration) (*Pools, error) {
	primary, err := openPool(ctx, primaryURL, queryTimeout)
	if err != nil {
		return nil, err
	}

	p := &Pools{Primary: primary}

	if replicaURL != "" {
		replica, err := openPool(ctx, replicaURL, queryTimeout)
		if err != nil {
			primary.Close()
			return nil, err
		}
		p.Replica = replica
		log.Info().Msg("read replica pool created")
	}

	return p, nil
}

func openPool(ctx context.Context, url string, queryTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// Connection pool configuration
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	if queryTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(queryTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// Reader returns the replica pool when one is configured and fresh enough,
// otherwise the primary. maxLag gates the fall-back: a replica lagging past
// it is skipped for this call.
func (p *Pools) Reader(ctx context.Context, maxLag time.Duration) *pgxpool.Pool {
	if p.Replica == nil {
		return p.Primary
	}
	lag, err := p.ReplicaLag(ctx)
	if err != nil || lag > maxLag {
		return p.Primary
	}
	return p.Replica
}

// ReplicaLag measures replication delay on the replica. Returns zero when the
// node is not in recovery (i.e. it is actually a primary).
func (p *Pools) ReplicaLag(ctx context.Context) (time.Duration, error) {
	if p.Replica == nil {
		return 0, nil
	}
	var lagSeconds *float64
	err := p.Replica.QueryRow(ctx, `
		SELECT CASE WHEN pg_is_in_recovery()
			THEN EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp())
			ELSE 0
		END`).Scan(&lagSeconds)
	if err != nil {
		return 0, err
	}
	if lagSeconds == nil {
		return 0, nil
	}
	return time.Duration(*lagSeconds * float64(time.Second)), nil
}

// Close drains both pools.
func (p *Pools) Close() {
	p.Primary.Close()
	if p.Replica != nil {
		p.Replica.Close()
	}
}
