package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminTokenIssuer = "traffic-governor"

var (
	errEmptySecret  = errors.New("security: jwt secret is empty")
	errEmptySubject = errors.New("security: token subject is empty")
)

// AdminClaims are the claims carried by an admin bearer token. A super admin
// token passes every permission check.
type AdminClaims struct {
	Permissions  []string `json:"permissions,omitempty"`
	IsSuperAdmin bool     `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs an HS256 admin token for subject valid for expiry.
func IssueAdminToken(secret, subject string, permissions []string, superAdmin bool, expiry time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errEmptySecret
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errEmptySubject
	}
	claims := AdminClaims{
		Permissions:  permissions,
		IsSuperAdmin: superAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminTokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}
	signed, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		return "", fmt.Errorf("security: sign admin token: %w", errSign)
	}
	return signed, nil
}

// ParseAdminToken verifies token against secret and returns its claims.
func ParseAdminToken(secret, token string) (*AdminClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errEmptySecret
	}
	claims := &AdminClaims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminTokenIssuer),
	)
	if errParse != nil {
		return nil, fmt.Errorf("security: parse admin token: %w", errParse)
	}
	if !parsed.Valid {
		return nil, errors.New("security: admin token is not valid")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errEmptySubject
	}
	return claims, nil
}
