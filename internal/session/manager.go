// Package session issues and verifies the identity tokens consumed by the
// HTTP API and the relay.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"webchat/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	Issuer   = "webchat-api"
	Audience = "webchat-client"

	// TicketTTL bounds how long a WebSocket ticket can wait to be redeemed.
	TicketTTL = 30 * time.Second

	blacklistPrefix = "blacklist:"
	ticketPrefix    = "ws_ticket:"
)

var (
	// ErrInvalidToken covers every reason a token is refused.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrRevoked marks a token whose jti was blacklisted by logout.
	ErrRevoked = errors.New("token has been revoked")
	// ErrTicketsUnavailable is returned when no Redis client is configured.
	ErrTicketsUnavailable = errors.New("websocket tickets require redis")
	// ErrInvalidTicket covers unknown, expired and already redeemed tickets.
	ErrInvalidTicket = errors.New("invalid or expired websocket ticket")
)

// Manager signs and checks HS256 session tokens. The Redis client is
// optional; without it tokens cannot be revoked and tickets are disabled.
type Manager struct {
	secret []byte
	expiry time.Duration
	redis  *redis.Client
	now    func() time.Time
}

// NewManager returns a Manager signing with secret.
func NewManager(secret string, expiry time.Duration, rdb *redis.Client) *Manager {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Manager{
		secret: []byte(secret),
		expiry: expiry,
		redis:  rdb,
		now:    time.Now,
	}
}

// Issue creates a signed token for user.
func (m *Manager) Issue(user *models.User) (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("JWT secret not configured")
	}

	now := m.now()
	claims := jwt.MapClaims{
		"sub":      strconv.FormatUint(uint64(user.ID), 10),
		"username": user.Username,
		"iss":      Issuer,
		"aud":      Audience,
		"exp":      now.Add(m.expiry).Unix(),
		"iat":      now.Unix(),
		"nbf":      now.Unix(),
		"jti":      uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) parse(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func subject(claims jwt.MapClaims) (uint, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || id == 0 {
		return 0, ErrInvalidToken
	}
	return uint(id), nil
}

// Verify returns the user id carried by a valid, unrevoked token.
func (m *Manager) Verify(ctx context.Context, tokenString string) (uint, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return 0, err
	}
	userID, err := subject(claims)
	if err != nil {
		return 0, err
	}

	if jti, _ := claims["jti"].(string); jti != "" && m.redis != nil {
		// A Redis outage does not lock everyone out.
		n, err := m.redis.Exists(ctx, blacklistPrefix+jti).Result()
		if err == nil && n > 0 {
			return 0, ErrRevoked
		}
	}
	return userID, nil
}

// Revoke blacklists the token's jti until the token would have expired.
func (m *Manager) Revoke(ctx context.Context, tokenString string) error {
	claims, err := m.parse(tokenString)
	if err != nil {
		return err
	}
	jti, _ := claims["jti"].(string)
	if jti == "" || m.redis == nil {
		return nil
	}

	ttl := time.Minute
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if remaining := exp.Sub(m.now()); remaining > 0 {
			ttl = remaining
		}
	}
	return m.redis.Set(ctx, blacklistPrefix+jti, "1", ttl).Err()
}

// IssueTicket creates a single-use ticket that RedeemTicket exchanges for userID.
func (m *Manager) IssueTicket(ctx context.Context, userID uint) (string, error) {
	if m.redis == nil {
		return "", ErrTicketsUnavailable
	}
	ticket := uuid.NewString()
	if err := m.redis.Set(ctx, ticketPrefix+ticket, strconv.FormatUint(uint64(userID), 10), TicketTTL).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return ticket, nil
}

// RedeemTicket consumes ticket and returns its user id.
func (m *Manager) RedeemTicket(ctx context.Context, ticket string) (uint, error) {
	if m.redis == nil {
		return 0, ErrTicketsUnavailable
	}
	raw, err := m.redis.GetDel(ctx, ticketPrefix+ticket).Result()
	if err != nil {
		return 0, ErrInvalidTicket
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, ErrInvalidTicket
	}
	return uint(id), nil
}
