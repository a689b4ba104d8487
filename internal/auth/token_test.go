package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("secret", "dispatch")
	tok, err := v.Issue(Identity{ParticipantID: "d1", Role: models.RoleDriver, VehicleClass: models.VehicleSedan}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "d1", id.ParticipantID)
	assert.Equal(t, models.RoleDriver, id.Role)
	assert.Equal(t, models.VehicleSedan, id.VehicleClass)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret", "dispatch")
	other := NewVerifier("other-secret", "dispatch")
	past := NewVerifier("secret", "dispatch")
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	wrongSig, _ := other.Issue(Identity{ParticipantID: "r1", Role: models.RoleRider}, time.Hour)
	expired, _ := past.Issue(Identity{ParticipantID: "r1", Role: models.RoleRider}, time.Hour)
	noClass, _ := v.Issue(Identity{ParticipantID: "d1", Role: models.RoleDriver}, time.Hour)
	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "janitor",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "dispatch", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret"))
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "rider",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "dispatch"},
	}).SignedString([]byte("secret"))

	cases := map[string]string{
		"empty":      "",
		"garbage":    "not.a.token",
		"signature":  wrongSig,
		"expired":    expired,
		"no class":   noClass,
		"bad role":   badRole,
		"no expires": noExp,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=fromquery", nil)
	assert.Equal(t, "fromquery", BearerToken(r))

	r.Header.Set("Authorization", "Bearer fromheader")
	assert.Equal(t, "fromheader", BearerToken(r))
}
