// Package store holds everything canvaspix keeps in Redis: cooldown records
// and leaderboards behind the atomic quota script, chunk bytes, captcha
// solutions and ranking snapshots.
package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"canvaspix/internal/placement"
	"canvaspix/internal/protocol"
)

// Leaderboard keys incremented by the quota script.
const (
	RankTotalKey = "rank"
	RankDailyKey = "rankd"
)

// allowPlace checks and spends cooldown in one round trip.
//
// KEYS: captcha marker, ip cooldown, user cooldown, total rank, daily rank.
// ARGV: stack limit ms, grace ms, user id, then one (cost ms, ranked 0/1)
// pair per pixel in request order. The first pixel is allowed whenever the
// cooldown is below the stack limit, so one pixel may overshoot it.
// Returns {code, allowed, wait ms, cooldown ms, ranked}.
var allowPlace = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {10, 0, 0, 0, 0}
end
local user = tonumber(ARGV[3])
local cd = redis.call('PTTL', KEYS[2])
if cd < 0 then cd = 0 end
if user > 0 then
  local ucd = redis.call('PTTL', KEYS[3])
  if ucd > cd then cd = ucd end
end
local grace = tonumber(ARGV[2])
if grace > cd then cd = grace end
local stack = tonumber(ARGV[1])
if cd > stack then
  return {9, 0, cd, 0, 0}
end
local start = cd
local code, allowed, ranked = 0, 0, 0
local i = 4
while i < #ARGV do
  local cost = tonumber(ARGV[i])
  if cd + cost > stack and (allowed > 0 or start >= stack) then
    code = 9
    break
  end
  cd = cd + cost
  allowed = allowed + 1
  if ARGV[i + 1] == '1' then ranked = ranked + 1 end
  i = i + 2
end
if allowed > 0 and cd > 0 then
  redis.call('SET', KEYS[2], '', 'PX', cd)
  if user > 0 then redis.call('SET', KEYS[3], '', 'PX', cd) end
end
if ranked > 0 then
  redis.call('ZINCRBY', KEYS[4], ranked, ARGV[3])
  redis.call('ZINCRBY', KEYS[5], ranked, ARGV[3])
end
return {code, allowed, cd, cd - start, ranked}
`)

func captchaMarkerKey(ip string) string { return "captreq:" + ip }

func ipCooldownKey(canvasID uint8, ip string) string {
	return fmt.Sprintf("cd:%d:ip:%s", canvasID, ip)
}

func userCooldownKey(canvasID uint8, userID int64) string {
	return fmt.Sprintf("cd:%d:id:%d", canvasID, userID)
}

// Quota is the Redis implementation of placement.QuotaStore.
type Quota struct {
	rdb redis.Scripter
}

var _ placement.QuotaStore = (*Quota)(nil)

func NewQuota(rdb redis.Scripter) *Quota {
	return &Quota{rdb: rdb}
}

func (q *Quota) AllowPlace(ctx context.Context, req placement.QuotaRequest) (placement.QuotaResult, error) {
	keys := []string{
		captchaMarkerKey(req.IP),
		ipCooldownKey(req.Canvas, req.IP),
		userCooldownKey(req.Canvas, req.UserID),
		RankTotalKey,
		RankDailyKey,
	}
	args := make([]any, 0, 3+2*len(req.Costs))
	args = append(args, req.StackLimit, req.Grace, req.UserID)
	for n, cost := range req.Costs {
		ranked := 0
		if n < len(req.Ranks) && req.Ranks[n] {
			ranked = 1
		}
		args = append(args, cost, ranked)
	}

	vals, err := allowPlace.Run(ctx, q.rdb, keys, args...).Int64Slice()
	if err != nil {
		return placement.QuotaResult{}, fmt.Errorf("allow place script: %w", err)
	}
	if len(vals) != 5 {
		return placement.QuotaResult{}, fmt.Errorf("allow place script: %d values, want 5", len(vals))
	}
	return placement.QuotaResult{
		Code:       protocol.ReturnCode(vals[0]),
		Allowed:    int(vals[1]),
		WaitMs:     vals[2],
		CooldownMs: vals[3],
		Ranked:     int(vals[4]),
	}, nil
}

// Cooldown returns the remaining cooldown of an ip (and user, if non-zero)
// on a canvas in milliseconds.
func Cooldown(ctx context.Context, rdb redis.Cmdable, canvasID uint8, ip string, userID int64) (int64, error) {
	pipe := rdb.Pipeline()
	ipTTL := pipe.PTTL(ctx, ipCooldownKey(canvasID, ip))
	var userTTL *redis.DurationCmd
	if userID > 0 {
		userTTL = pipe.PTTL(ctx, userCooldownKey(canvasID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}
	cd := max(ipTTL.Val().Milliseconds(), 0)
	if userTTL != nil {
		cd = max(cd, userTTL.Val().Milliseconds())
	}
	return cd, nil
}

func formatUserID(id int64) string { return strconv.FormatInt(id, 10) }
