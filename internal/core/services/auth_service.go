package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"ringline/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type AuthService interface {
	GenerateToken(userID domain.UserID, deviceID domain.DeviceID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// CheckSignalPermission rejects messages a connection may not relay.
	CheckSignalPermission(claims *Claims, msg *domain.SignalMessage) error
}

// Claims identify one signed-in device of one account.
type Claims struct {
	UserID   domain.UserID   `json:"user_id"`
	DeviceID domain.DeviceID `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	clock          clock.Clock
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration, clk clock.Clock) AuthService {
	if clk == nil {
		clk = clock.New()
	}
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		clock:          clk,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, deviceID domain.DeviceID) (string, error) {
	now := s.clock.Now()
	claims := &Claims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) CheckSignalPermission(claims *Claims, msg *domain.SignalMessage) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if msg.SenderID != claims.UserID {
		return fmt.Errorf("%w: sender %s does not match %s", ErrUnauthorized, msg.SenderID, claims.UserID)
	}
	// Only the account itself may address its other devices.
	if msg.Type == domain.SignalAnsweredElsewhere && msg.ReceiverID != claims.UserID {
		return fmt.Errorf("%w: answered_elsewhere must be addressed to the sender", ErrUnauthorized)
	}
	return nil
}

type authContextKey struct{}

// ContextWithClaims stores validated claims for downstream handlers.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, authContextKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(authContextKey{}).(*Claims)
	if !ok || claims == nil {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
