package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("no session token")

// Claims are carried by the session cookie issued by the account service.
type Claims struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
	jwt.RegisteredClaims
}

// Authenticator turns an upgrade request into an Identity.
type Authenticator struct {
	secret        []byte
	cookie        string
	countryHeader string
	source        Source
}

func NewAuthenticator(secret, cookie, countryHeader string, source Source) *Authenticator {
	return &Authenticator{
		secret:        []byte(secret),
		cookie:        cookie,
		countryHeader: countryHeader,
		source:        source,
	}
}

// Identify returns a registered identity for a valid session cookie and an
// anonymous one otherwise. The error explains why a present cookie was not
// accepted; the anonymous identity is still usable.
func (a *Authenticator) Identify(r *http.Request, ip string) (Identity, error) {
	country := "xx"
	if a.countryHeader != "" {
		if c := r.Header.Get(a.countryHeader); c != "" {
			country = c
		}
	}
	anon := NewAnonymous(ip, country, a.source)

	claims, err := a.parse(r)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return anon, nil
		}
		return anon, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return anon, fmt.Errorf("session subject %q: invalid user id", claims.Subject)
	}
	return NewRegistered(ip, country, a.source, id, claims.Name, ParseRole(claims.Role), claims.Verified), nil
}

func (a *Authenticator) parse(r *http.Request) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNoToken
	}
	c, err := r.Cookie(a.cookie)
	if err != nil || c.Value == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	_, err = jwt.ParseWithClaims(c.Value, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	return claims, nil
}

// Issue signs a session token; the account service and tests use it.
func (a *Authenticator) Issue(userID int64, name string, role Role, verified bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:     name,
		Role:     role.String(),
		Verified: verified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
