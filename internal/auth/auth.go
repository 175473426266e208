// Package auth turns bearer tokens into the caller identity the coordinator
// trusts. Token issuance belongs to the login service; Issue exists so
// operators and tests can mint tokens with the same key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/emergency-connect/internal/apperr"
	"github.com/example/emergency-connect/internal/models"
)

type contextKey string

const identityKey contextKey = "identity"

type Claims struct {
	jwt.RegisteredClaims
	Role        models.Role `json:"role"`
	AmbulanceID *int64      `json:"ambulance_id,omitempty"`
	HospitalID  *int64      `json:"hospital_id,omitempty"`
}

type Manager struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewManager(secret, issuer string) *Manager {
	return &Manager{key: []byte(secret), issuer: issuer, now: time.Now}
}

func (m *Manager) Issue(id models.Identity, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:        id.Role,
		AmbulanceID: id.AmbulanceID,
		HospitalID:  id.HospitalID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
}

func (m *Manager) Parse(tokenStr string) (models.Identity, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.now)}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return m.key, nil
	}, opts...)
	if err != nil || !token.Valid {
		return models.Identity{}, fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: bad subject", apperr.ErrUnauthenticated)
	}
	if !claims.Role.Valid() {
		return models.Identity{}, fmt.Errorf("%w: unknown role %q", apperr.ErrUnauthenticated, claims.Role)
	}
	id := models.Identity{UserID: userID, Role: claims.Role}
	if claims.Role == models.RoleAmbulance {
		if claims.AmbulanceID == nil {
			return models.Identity{}, fmt.Errorf("%w: ambulance token without ambulance_id", apperr.ErrUnauthenticated)
		}
		id.AmbulanceID = claims.AmbulanceID
	}
	if claims.Role == models.RoleHospital {
		if claims.HospitalID == nil {
			return models.Identity{}, fmt.Errorf("%w: hospital token without hospital_id", apperr.ErrUnauthenticated)
		}
		id.HospitalID = claims.HospitalID
	}
	return id, nil
}

// FromRequest reads the bearer token, falling back to the token query
// parameter browsers use for WebSocket upgrades.
func (m *Manager) FromRequest(r *http.Request) (models.Identity, error) {
	tokenStr := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return models.Identity{}, fmt.Errorf("%w: invalid authorization format", apperr.ErrUnauthenticated)
		}
		tokenStr = parts[1]
	} else {
		tokenStr = r.URL.Query().Get("token")
	}
	if tokenStr == "" {
		return models.Identity{}, fmt.Errorf("%w: missing token", apperr.ErrUnauthenticated)
	}
	return m.Parse(tokenStr)
}

func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey).(models.Identity)
	return id, ok
}

// IsUnauthenticated reports whether err came from token validation.
func IsUnauthenticated(err error) bool { return errors.Is(err, apperr.ErrUnauthenticated) }
