package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config holds token signing parameters.
type Config struct {
	Secret         string        `yaml:"jwt_secret"`
	Issuer         string        `yaml:"issuer"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	RevocationSize int           `yaml:"revocation_size"`
	BcryptCost     int           `yaml:"bcrypt_cost"`
}

// Claims represents the payload extracted from a session token.
type Claims struct {
	Subject   string
	TokenID   string
	ExpiresAt time.Time
}

// ErrMissingToken is returned when the Authorization header is absent.
var ErrMissingToken = errors.New("missing bearer token")

// ErrInvalidToken wraps parsing/validation errors.
var ErrInvalidToken = errors.New("invalid bearer token")

// ErrRevokedToken is returned for tokens that were logged out.
var ErrRevokedToken = errors.New("token has been revoked")

// Manager issues, validates and revokes session tokens.
type Manager struct {
	cfg     Config
	revoked *lru.Cache[string, time.Time]
	now     func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RevocationSize <= 0 {
		cfg.RevocationSize = 10000
	}
	revoked, err := lru.New[string, time.Time](cfg.RevocationSize)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, revoked: revoked, now: time.Now}, nil
}

// Issue signs a new HS256 token for username.
func (m *Manager) Issue(username string) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{
		Subject:   username,
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(m.cfg.TokenTTL),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    m.cfg.Issuer,
		Subject:   claims.Subject,
		ID:        claims.TokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
	})
	signed, err := token.SignedString([]byte(m.cfg.Secret))
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse validates a token and returns normalized claims.
func (m *Manager) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	var registered jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &registered, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.cfg.Secret), nil
	},
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || registered.Subject == "" || registered.ID == "" {
		return nil, ErrInvalidToken
	}
	if _, revoked := m.revoked.Get(registered.ID); revoked {
		return nil, ErrRevokedToken
	}

	return &Claims{
		Subject:   registered.Subject,
		TokenID:   registered.ID,
		ExpiresAt: registered.ExpiresAt.Time,
	}, nil
}

// Revoke invalidates a token until it expires. Revoking an already revoked
// token is a no-op.
func (m *Manager) Revoke(token string) error {
	claims, err := m.Parse(token)
	if errors.Is(err, ErrRevokedToken) {
		return nil
	}
	if err != nil {
		return err
	}
	m.revoked.Add(claims.TokenID, claims.ExpiresAt)
	return nil
}

// HashPassword hashes with the configured bcrypt cost.
func (m *Manager) HashPassword(password string) (string, error) {
	if m.cfg.BcryptCost == 0 {
		return HashPassword(password)
	}
	return HashPasswordCost(password, m.cfg.BcryptCost)
}
