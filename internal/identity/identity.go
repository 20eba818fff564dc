package identity

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dealtalk/internal/models"
)

// Claims is the identity the chat core needs from the identity
// collaborator: who is acting and in which marketplace role.
type Claims struct {
	UserID int64
	Role   models.Role
}

// Verifier validates bearer tokens issued by the identity service
// against the shared HS256 secret. Token issuance lives with that
// service; this side only checks.
type Verifier struct {
	secret []byte
}

// NewVerifier constructs a verifier for the shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates the token signature and expiry and extracts claims.
func (v *Verifier) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("token required")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token missing subject")
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return nil, errors.New("invalid subject claim")
	}

	role, _ := claims["role"].(string)
	switch models.Role(role) {
	case models.RoleRequester, models.RoleProvider, models.RoleAdmin:
	default:
		return nil, errors.New("invalid role claim")
	}

	return &Claims{UserID: userID, Role: models.Role(role)}, nil
}

// Sign mints a token. Used by local development and tests; production
// tokens come from the identity service.
func (v *Verifier) Sign(userID int64, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  strconv.FormatInt(userID, 10),
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(v.secret)
}
