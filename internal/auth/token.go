// Package auth verifies the bearer credential presented during the
// connection handshake and turns it into a participant identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// Identity is what a valid credential proves about its holder.
type Identity struct {
	ParticipantID string
	Role          models.Role
	VehicleClass  models.VehicleClass // drivers only
}

// Claims is the token body. The participant id travels in "sub".
type Claims struct {
	Role         string `json:"role"`
	VehicleClass string `json:"vehicleClass,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify validates signature, expiry and issuer and extracts the identity.
// Every failure is reported as ErrAuthenticationFailed.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: no token provided", ErrAuthenticationFailed)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrAuthenticationFailed)
	}
	role, ok := models.ParseRole(claims.Role)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrAuthenticationFailed, claims.Role)
	}
	id := Identity{ParticipantID: claims.Subject, Role: role}
	if role == models.RoleDriver {
		id.VehicleClass = models.VehicleClass(strings.ToLower(claims.VehicleClass))
		if !id.VehicleClass.Valid() {
			return Identity{}, fmt.Errorf("%w: driver token without a valid vehicle class", ErrAuthenticationFailed)
		}
	}
	return id, nil
}

// Issue signs a token for id. The dispatcher never issues tokens itself;
// this exists for tooling and tests.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role:         string(id.Role),
		VehicleClass: string(id.VehicleClass),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ParticipantID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the "token" query parameter browsers use for websockets.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
