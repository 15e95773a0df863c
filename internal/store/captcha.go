package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Captcha-return codes.
const (
	CaptchaOK      uint8 = 0
	CaptchaExpired uint8 = 1
	CaptchaWrong   uint8 = 2
	CaptchaEmpty   uint8 = 3
)

func captchaKey(id string) string { return "capt:" + id }

// Captcha checks solutions of challenges produced elsewhere. While the
// marker of an ip exists the quota script answers CaptchaRequired.
type Captcha struct {
	rdb redis.Cmdable
}

func NewCaptcha(rdb redis.Cmdable) *Captcha {
	return &Captcha{rdb: rdb}
}

// Require marks ip as needing a solved captcha before it may place again.
func (c *Captcha) Require(ctx context.Context, ip string, ttl time.Duration) error {
	return c.rdb.Set(ctx, captchaMarkerKey(ip), "", ttl).Err()
}

// Store saves the solution of a generated challenge.
func (c *Captcha) Store(ctx context.Context, id, solution string, ttl time.Duration) error {
	return c.rdb.Set(ctx, captchaKey(id), solution, ttl).Err()
}

// Verify consumes challenge id and compares its solution case-insensitively.
// A correct answer clears the marker of ip.
func (c *Captcha) Verify(ctx context.Context, ip, id, solution string) (uint8, error) {
	solution = strings.TrimSpace(solution)
	if solution == "" || id == "" {
		return CaptchaEmpty, nil
	}
	want, err := c.rdb.GetDel(ctx, captchaKey(id)).Result()
	if err == redis.Nil {
		return CaptchaExpired, nil
	}
	if err != nil {
		return 0, fmt.Errorf("captcha %s: %w", id, err)
	}
	if !strings.EqualFold(want, solution) {
		return CaptchaWrong, nil
	}
	if err := c.rdb.Del(ctx, captchaMarkerKey(ip)).Err(); err != nil {
		return 0, fmt.Errorf("clear captcha marker: %w", err)
	}
	return CaptchaOK, nil
}
