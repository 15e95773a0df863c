package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ips       map[string]Allowance
	users     map[int64]Allowance
	userCalls atomic.Int32
	ipCalls   atomic.Int32
	err       error
}

func (f *fakeSource) IPAllowance(_ context.Context, ip string) (Allowance, error) {
	f.ipCalls.Add(1)
	return f.ips[ip], f.err
}

func (f *fakeSource) UserAllowance(_ context.Context, id int64) (Allowance, error) {
	f.userCalls.Add(1)
	return f.users[id], nil
}

func TestRegisteredSkipsUserLookupWhenIPBanned(t *testing.T) {
	src := &fakeSource{ips: map[string]Allowance{"1.1.1.1": {Banned: true}}}
	r := NewRegistered("1.1.1.1", "de", src, 7, "alice", RoleUser, true)

	al, err := r.Allowance(context.Background())
	require.NoError(t, err)
	assert.True(t, al.Banned)
	assert.Zero(t, src.userCalls.Load())
}

func TestRegisteredMergesUserAllowance(t *testing.T) {
	src := &fakeSource{
		ips:   map[string]Allowance{"1.1.1.1": {Proxy: true}},
		users: map[int64]Allowance{7: {Banned: true, Muted: true}},
	}
	r := NewRegistered("1.1.1.1", "de", src, 7, "alice", RoleMod, true)

	al, err := r.Allowance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Allowance{Banned: true, Muted: true, Proxy: true}, al)
	assert.Equal(t, int64(7), r.UserID())
	assert.Equal(t, RoleMod, r.Role())
	assert.True(t, r.Registered())
}

func TestAnonymousAllowanceError(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	a := NewAnonymous("2.2.2.2", "fr", src)
	_, err := a.Allowance(context.Background())
	assert.Error(t, err)
	assert.False(t, a.Registered())
	assert.Zero(t, a.UserID())
}

func TestCachedSourceMemoises(t *testing.T) {
	src := &fakeSource{ips: map[string]Allowance{"ip": {Muted: true}}}
	cached, err := NewCachedSource(src, time.Minute, 1000)
	require.NoError(t, err)
	defer cached.Close()

	al, err := cached.IPAllowance(context.Background(), "ip")
	require.NoError(t, err)
	assert.True(t, al.Muted)
	cached.Wait()

	al, err = cached.IPAllowance(context.Background(), "ip")
	require.NoError(t, err)
	assert.True(t, al.Muted)
	assert.Equal(t, int32(1), src.ipCalls.Load())

	cached.Invalidate("ip")
	_, err = cached.IPAllowance(context.Background(), "ip")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.ipCalls.Load())
}

func TestAuthenticatorIdentify(t *testing.T) {
	auth := NewAuthenticator("secret", "pp.session", "CF-IPCountry", StaticSource{})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("CF-IPCountry", "PL")
	id, err := auth.Identify(r, "3.3.3.3")
	require.NoError(t, err)
	assert.False(t, id.Registered())
	assert.Equal(t, "PL", id.Country())

	token, err := auth.Issue(42, "bob", RoleAdmin, true, time.Hour)
	require.NoError(t, err)
	r.AddCookie(&http.Cookie{Name: "pp.session", Value: token})
	id, err = auth.Identify(r, "3.3.3.3")
	require.NoError(t, err)
	require.True(t, id.Registered())
	assert.Equal(t, int64(42), id.UserID())
	assert.Equal(t, "bob", id.Name())
	assert.Equal(t, RoleAdmin, id.Role())
	assert.True(t, id.Verified())
	assert.Equal(t, "3.3.3.3", id.IP())
}

func TestAuthenticatorRejectsForeignToken(t *testing.T) {
	other := NewAuthenticator("other", "pp.session", "", StaticSource{})
	token, err := other.Issue(1, "eve", RoleAdmin, true, time.Hour)
	require.NoError(t, err)

	auth := NewAuthenticator("secret", "pp.session", "", StaticSource{})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "pp.session", Value: token})
	id, err := auth.Identify(r, "4.4.4.4")
	assert.Error(t, err)
	require.NotNil(t, id)
	assert.False(t, id.Registered())
	assert.Equal(t, "xx", id.Country())
}

func TestAuthenticatorRejectsExpiredToken(t *testing.T) {
	auth := NewAuthenticator("secret", "pp.session", "", StaticSource{})
	token, err := auth.Issue(1, "eve", RoleUser, false, -time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "pp.session", Value: token})
	id, err := auth.Identify(r, "4.4.4.4")
	assert.Error(t, err)
	assert.False(t, id.Registered())
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleMod, ParseRole("mod"))
	assert.Equal(t, RoleUser, ParseRole("root"))
}
