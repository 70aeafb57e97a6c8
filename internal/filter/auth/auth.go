// Package auth authenticates users from a JWT cookie and forwards the
// user id to the backend.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/tollgate/internal/config"
	gwerrors "github.com/wudi/tollgate/internal/errors"
	"github.com/wudi/tollgate/internal/filter"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/rules"
)

// DefaultCookieName carries the user token.
const DefaultCookieName = "user-jwt"

// Filter validates the user token and sets the request user id.
type Filter struct {
	cookieName string
	algorithm  string
	keyFunc    jwt.Keyfunc
}

// New creates the user auth filter. Only HMAC algorithms are supported.
func New(cfg config.AuthConfig) (*Filter, error) {
	f := &Filter{
		cookieName: cfg.CookieName,
		algorithm:  cfg.Algorithm,
	}
	if f.cookieName == "" {
		f.cookieName = DefaultCookieName
	}
	if f.algorithm == "" {
		f.algorithm = "HS256"
	}
	if !strings.HasPrefix(f.algorithm, "HS") {
		return nil, fmt.Errorf("auth: unsupported algorithm %s", f.algorithm)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth: secret is required")
	}

	secret := []byte(cfg.Secret)
	f.keyFunc = func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}
	return f, nil
}

func (*Filter) ID() string { return rules.FilterUserAuth }
func (*Filter) Order() int { return filter.OrderUserAuth }

func (f *Filter) DoFilter(ctx *gwcontext.Context) error {
	if rule := ctx.Rule(); rule == nil || !rule.HasFilter(rules.FilterUserAuth) {
		return nil
	}
	cookie, ok := ctx.Request().Cookie(f.cookieName)
	if !ok || cookie.Value == "" {
		return gwerrors.ErrUnauthorized.WithMessage("missing user token")
	}
	userID, err := f.ParseUserID(cookie.Value)
	if err != nil {
		return gwerrors.Wrap(err, gwerrors.ErrUnauthorized)
	}
	ctx.Request().SetUserID(userID)
	return nil
}

// ParseUserID validates tokenString and returns its subject.
func (f *Filter) ParseUserID(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, f.keyFunc, jwt.WithValidMethods([]string{f.algorithm}))
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// Reject stands in for the auth filter when no secret is configured: rules
// that ask for user auth refuse every request.
type Reject struct{}

func (Reject) ID() string { return rules.FilterUserAuth }
func (Reject) Order() int { return filter.OrderUserAuth }

func (Reject) DoFilter(ctx *gwcontext.Context) error {
	if rule := ctx.Rule(); rule == nil || !rule.HasFilter(rules.FilterUserAuth) {
		return nil
	}
	return gwerrors.ErrUnauthorized.WithMessage("user auth is not configured")
}
