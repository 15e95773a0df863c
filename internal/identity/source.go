package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSource reads bans, mutes and proxy verdicts from Postgres.
//
//	ip_bans(ip text, expires timestamptz null, muted bool)
//	proxy_ips(ip text, is_proxy bool)
//	users(id bigint, banned bool, ban_expires timestamptz null, muted bool)
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

const ipAllowanceQuery = `
SELECT
	COALESCE(bool_or(b.expires IS NULL OR b.expires > now()), false) AS banned,
	COALESCE(bool_or(b.muted), false) AS muted,
	COALESCE((SELECT p.is_proxy FROM proxy_ips p WHERE p.ip = $1), false) AS proxy
FROM ip_bans b
WHERE b.ip = $1`

const userAllowanceQuery = `
SELECT banned AND (ban_expires IS NULL OR ban_expires > now()), muted
FROM users
WHERE id = $1`

func (s *PGSource) IPAllowance(ctx context.Context, ip string) (Allowance, error) {
	var al Allowance
	err := s.pool.QueryRow(ctx, ipAllowanceQuery, ip).Scan(&al.Banned, &al.Muted, &al.Proxy)
	if err != nil {
		return Allowance{}, fmt.Errorf("query ip %s: %w", ip, err)
	}
	return al, nil
}

func (s *PGSource) UserAllowance(ctx context.Context, userID int64) (Allowance, error) {
	var al Allowance
	err := s.pool.QueryRow(ctx, userAllowanceQuery, userID).Scan(&al.Banned, &al.Muted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allowance{}, nil
	}
	if err != nil {
		return Allowance{}, fmt.Errorf("query user %d: %w", userID, err)
	}
	return al, nil
}

// StaticSource answers every lookup with a clear allowance. It serves
// deployments without a moderation database.
type StaticSource struct{}

func (StaticSource) IPAllowance(context.Context, string) (Allowance, error) { return Allowance{}, nil }

func (StaticSource) UserAllowance(context.Context, int64) (Allowance, error) {
	return Allowance{}, nil
}

// CachedSource memoises allowances for a short TTL.
type CachedSource struct {
	next  Source
	cache *ristretto.Cache[string, Allowance]
	ttl   time.Duration
}

func NewCachedSource(next Source, ttl time.Duration, maxEntries int64) (*CachedSource, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Allowance]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("allowance cache: %w", err)
	}
	return &CachedSource{next: next, cache: cache, ttl: ttl}, nil
}

func (c *CachedSource) lookup(ctx context.Context, key string, load func(context.Context) (Allowance, error)) (Allowance, error) {
	if al, ok := c.cache.Get(key); ok {
		return al, nil
	}
	al, err := load(ctx)
	if err != nil {
		return Allowance{}, err
	}
	c.cache.SetWithTTL(key, al, 1, c.ttl)
	return al, nil
}

func (c *CachedSource) IPAllowance(ctx context.Context, ip string) (Allowance, error) {
	return c.lookup(ctx, "ip:"+ip, func(ctx context.Context) (Allowance, error) {
		return c.next.IPAllowance(ctx, ip)
	})
}

func (c *CachedSource) UserAllowance(ctx context.Context, userID int64) (Allowance, error) {
	return c.lookup(ctx, "user:"+strconv.FormatInt(userID, 10), func(ctx context.Context) (Allowance, error) {
		return c.next.UserAllowance(ctx, userID)
	})
}

// Invalidate drops the cached allowance of an ip, after a ban change.
func (c *CachedSource) Invalidate(ip string) {
	c.cache.Del("ip:" + ip)
}

// Wait blocks until pending cache writes are visible.
func (c *CachedSource) Wait() { c.cache.Wait() }

func (c *CachedSource) Close() { c.cache.Close() }
