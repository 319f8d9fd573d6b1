package call

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticIdentity(t *testing.T) {
	_, err := StaticIdentity{}.Identity()
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	id, err := StaticIdentity{ID: "dr-smith", DisplayName: "Dr Smith"}.Identity()
	require.NoError(t, err)
	assert.Equal(t, "dr-smith", id.ID)
}

func TestTokenIdentity(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":      "patient-42",
		"display_name": "Jane Roe",
		"role":         "patient",
	}).SignedString([]byte("relay-secret"))
	require.NoError(t, err)

	id, err := TokenIdentity{Token: token}.Identity()
	require.NoError(t, err)
	assert.Equal(t, "patient-42", id.ID)
	assert.Equal(t, "Jane Roe", id.DisplayName)
	assert.Equal(t, token, id.Token)

	bare, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u1"}).SignedString([]byte("k"))
	require.NoError(t, err)
	id, err = TokenIdentity{Token: bare}.Identity()
	require.NoError(t, err)
	assert.Equal(t, "u1", id.DisplayName)
}

func TestTokenIdentityRejects(t *testing.T) {
	for name, token := range map[string]string{
		"empty":     "",
		"malformed": "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := TokenIdentity{Token: token}.Identity()
			assert.True(t, errors.Is(err, ErrUnauthenticated))
		})
	}

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "doctor"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = TokenIdentity{Token: noUser}.Identity()
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}
