package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RoleService is carried by tokens of internal callers (task and KYC workflows).
const RoleService = "service"

var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller of a request.
type Principal struct {
	AccountID uuid.UUID
	Role      string
}

type Service interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
	IssueToken(accountID uuid.UUID, role string, ttl time.Duration) (string, error)
	CheckServiceToken(token string) bool
}

type service struct {
	secret           []byte
	serviceTokenHash []byte
}

// NewService verifies HS256 tokens signed with secret. serviceTokenHash is the bcrypt
// hash of the shared token internal workflows present; empty disables service auth.
func NewService(secret, serviceTokenHash string) *service {
	return &service{secret: []byte(secret), serviceTokenHash: []byte(serviceTokenHash)}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueToken signs a token for accountID. The identity provider issues production
// tokens; this is used by tooling and tests.
func (s *service) IssueToken(accountID uuid.UUID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (Principal, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Role == "" {
		return Principal{}, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return Principal{}, errors.Join(ErrInvalidToken, err)
	}
	return Principal{AccountID: id, Role: c.Role}, nil
}

func (s *service) CheckServiceToken(token string) bool {
	if len(s.serviceTokenHash) == 0 || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.serviceTokenHash, []byte(token)) == nil
}

// HashServiceToken returns the bcrypt hash to configure for a service token.
func HashServiceToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
