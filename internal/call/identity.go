package call

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Identity is the authenticated user a client acts as.
type Identity struct {
	ID          string
	DisplayName string
	Token       string
}

// IdentityProvider resolves the current user. It returns ErrUnauthenticated
// when there is no session.
type IdentityProvider interface {
	Identity() (Identity, error)
}

// StaticIdentity always resolves to the same identity.
type StaticIdentity Identity

func (s StaticIdentity) Identity() (Identity, error) {
	if s.ID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity(s), nil
}

type tokenClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// TokenIdentity reads the identity out of the relay-issued token. The token is
// not verified here; the relay does that on every connection.
type TokenIdentity struct {
	Token string
}

func (t TokenIdentity) Identity() (Identity, error) {
	if t.Token == "" {
		return Identity{}, ErrUnauthenticated
	}

	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(t.Token, &claims); err != nil {
		return Identity{}, errors.Wrap(ErrUnauthenticated, err.Error())
	}
	if claims.UserID == "" {
		return Identity{}, ErrUnauthenticated
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.UserID
	}
	return Identity{ID: claims.UserID, DisplayName: name, Token: t.Token}, nil
}
