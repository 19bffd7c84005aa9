// Package token mints the short lived per user JSON web tokens that
// slurmrestd authenticates with.
//
// slurmrestd is expected to run with AuthAltTypes=auth/jwt and a shared
// HMAC-SHA256 key. Every outbound REST call carries a freshly minted token
// for the user the call is issued on behalf of; tokens are never cached as
// their lifetime is far below any request time bound.
// Ref: https://slurm.schedmd.com/jwt.html
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
)

// DefaultTTL is the default validity of minted tokens.
const DefaultTTL = 10 * time.Second

// ErrMissingSecret is returned when no signing secret is configured. The
// service refuses to start in that case.
var ErrMissingSecret = errors.New("SLURM JWT signing secret missing")

// Config configures a Minter.
type Config struct {
	// SecretBase64 is the base64url encoded HS256 key shared with
	// slurmrestd, the k value of an oct JWK.
	SecretBase64 string
	TTL          time.Duration
	Logger       *slog.Logger
}

// Minter mints compact JWS tokens for usernames.
type Minter struct {
	key    []byte
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New decodes the configured secret and returns a Minter. A missing or
// undecodable secret is a hard error so a misconfigured proxy fails at
// startup and not on the first submission.
func New(c *Config) (*Minter, error) {
	if c.SecretBase64 == "" {
		return nil, ErrMissingSecret
	}

	// JWK oct keys are base64url without padding, but keys exported by
	// other tooling often carry it. Accept both.
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.SecretBase64, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode SLURM JWT signing secret: %w", err)
	}

	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Minter{key: key, ttl: ttl, logger: logger, now: time.Now}, nil
}

// Mint returns a fresh compact JWS for username with claims
// {sun, iat, exp = iat + TTL}. An empty username is coerced to the generic
// sentinel; authenticating the caller is not this layer's job.
func (m *Minter) Mint(username string) (string, error) {
	if username == "" {
		m.logger.Warn("Username not provided, using generic username")

		username = base.GenericUsername
	}

	now := m.now()
	claims := jwt.MapClaims{
		"exp": now.Add(m.ttl).Unix(),
		"iat": now.Unix(),
		"sun": username,
	}

	compactJWS, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign SLURM JWT for user %s: %w", username, err)
	}

	m.logger.Debug("Minted SLURM JWT", "username", username, "ttl", m.ttl)

	return compactJWS, nil
}
