// Package identity models who is placing: an ip, optionally a registered
// user, and the ban/mute/proxy allowance attached to them.
package identity

import (
	"context"
	"fmt"
)

type Role uint8

const (
	RoleUser Role = iota
	RoleMod
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleMod:
		return "mod"
	case RoleAdmin:
		return "admin"
	default:
		return "user"
	}
}

// ParseRole maps a session claim to a role; unknown values are plain users.
func ParseRole(s string) Role {
	switch s {
	case "mod":
		return RoleMod
	case "admin":
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Allowance is the moderation state of an ip or a user.
type Allowance struct {
	Banned bool `json:"banned"`
	Muted  bool `json:"muted"`
	Proxy  bool `json:"proxy"`
}

// Source looks allowances up in the moderation records.
type Source interface {
	IPAllowance(ctx context.Context, ip string) (Allowance, error)
	UserAllowance(ctx context.Context, userID int64) (Allowance, error)
}

// Identity is the requester of a placement.
type Identity interface {
	IP() string
	Country() string
	// UserID is 0 for anonymous identities.
	UserID() int64
	Name() string
	Role() Role
	Verified() bool
	Registered() bool
	Allowance(ctx context.Context) (Allowance, error)
}

// Anonymous is an ip without a session.
type Anonymous struct {
	ip      string
	country string
	source  Source
}

func NewAnonymous(ip, country string, source Source) *Anonymous {
	return &Anonymous{ip: ip, country: country, source: source}
}

func (a *Anonymous) IP() string { return a.ip }
func (a *Anonymous) Country() string { return a.country }
func (a *Anonymous) UserID() int64 { return 0 }
func (a *Anonymous) Name() string { return "" }
func (a *Anonymous) Role() Role { return RoleUser }
func (a *Anonymous) Verified() bool { return false }
func (a *Anonymous) Registered() bool { return false }

func (a *Anonymous) Allowance(ctx context.Context) (Allowance, error) {
	al, err := a.source.IPAllowance(ctx, a.ip)
	if err != nil {
		return Allowance{}, fmt.Errorf("ip allowance: %w", err)
	}
	return al, nil
}

// Registered is a logged-in user connecting from an ip.
type Registered struct {
	Anonymous
	id       int64
	name     string
	role     Role
	verified bool
}

func NewRegistered(ip, country string, source Source, id int64, name string, role Role, verified bool) *Registered {
	return &Registered{
		Anonymous: Anonymous{ip: ip, country: country, source: source},
		id:        id,
		name:      name,
		role:      role,
		verified:  verified,
	}
}

func (r *Registered) UserID() int64 { return r.id }
func (r *Registered) Name() string { return r.name }
func (r *Registered) Role() Role { return r.role }
func (r *Registered) Verified() bool { return r.verified }
func (r *Registered) Registered() bool { return true }

// Allowance checks the ip first and only consults the user record when the
// ip is not banned.
func (r *Registered) Allowance(ctx context.Context) (Allowance, error) {
	al, err := r.Anonymous.Allowance(ctx)
	if err != nil || al.Banned {
		return al, err
	}
	user, err := r.source.UserAllowance(ctx, r.id)
	if err != nil {
		return Allowance{}, fmt.Errorf("user allowance: %w", err)
	}
	return Allowance{
		Banned: user.Banned,
		Muted:  al.Muted || user.Muted,
		Proxy:  al.Proxy,
	}, nil
}
