package relay

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/wire"
)

// tokenIssuer is stamped into every peer token this relay mints.
const tokenIssuer = "parley-relay"

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // "token" | "password" | "jwt" | "none"
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the relay's effective credentials.
type ResolvedAuth struct {
	Mode      string
	Token     string
	Password  string
	JWTSecret string
}

// ResolveAuth resolves credentials from config, falling back to
// PARLEY_RELAY_TOKEN / PARLEY_RELAY_PASSWORD / PARLEY_RELAY_JWT_SECRET.
func ResolveAuth(cfg config.ServerAuth) ResolvedAuth {
	auth := ResolvedAuth{Mode: cfg.Mode, Token: cfg.Token, Password: cfg.Password, JWTSecret: cfg.JWTSecret}
	if auth.Token == "" {
		auth.Token = os.Getenv("PARLEY_RELAY_TOKEN")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("PARLEY_RELAY_PASSWORD")
	}
	if auth.JWTSecret == "" {
		auth.JWTSecret = os.Getenv("PARLEY_RELAY_JWT_SECRET")
	}

	if auth.Mode == "" {
		switch {
		case auth.Password != "":
			auth.Mode = "password"
		case auth.JWTSecret != "":
			auth.Mode = "jwt"
		default:
			auth.Mode = "token"
		}
	}
	return auth
}

// Authorize checks the credentials peerID presented in its connect request.
func Authorize(serverAuth ResolvedAuth, peerID string, clientAuth *wire.ConnectAuth) AuthResult {
	if serverAuth.Mode == "none" {
		return AuthResult{OK: true, Method: "none"}
	}
	if clientAuth == nil {
		return AuthResult{OK: false, Reason: "no credentials provided"}
	}

	switch serverAuth.Mode {
	case "token":
		return checkSecret("token", serverAuth.Token, clientAuth.Token)
	case "password":
		return checkSecret("password", serverAuth.Password, clientAuth.Password)
	case "jwt":
		return checkPeerToken(serverAuth.JWTSecret, peerID, clientAuth.Token)
	default:
		return AuthResult{OK: false, Reason: "unknown auth mode: " + serverAuth.Mode}
	}
}

func checkSecret(method, want, got string) AuthResult {
	switch {
	case want == "":
		return AuthResult{OK: false, Reason: "server " + method + " not configured"}
	case got == "":
		return AuthResult{OK: false, Reason: method + " required"}
	case !safeEqual(got, want):
		return AuthResult{OK: false, Reason: method + "_mismatch"}
	}
	return AuthResult{OK: true, Method: method}
}

// checkPeerToken accepts an HS256 token whose subject is the connecting peer.
func checkPeerToken(secret, peerID, raw string) AuthResult {
	switch {
	case secret == "":
		return AuthResult{OK: false, Reason: "server jwt secret not configured"}
	case raw == "":
		return AuthResult{OK: false, Reason: "token required"}
	}

	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(peerID),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return AuthResult{OK: false, Reason: "token_expired"}
	case errors.Is(err, jwt.ErrTokenInvalidSubject):
		return AuthResult{OK: false, Reason: "token_subject_mismatch"}
	case err != nil:
		return AuthResult{OK: false, Reason: "token_invalid"}
	}
	return AuthResult{OK: true, Method: "jwt"}
}

// IssueToken mints a relay token for peerID that expires after ttl.
func IssueToken(secret, peerID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	if peerID == "" {
		return "", errors.New("peer id is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		Subject:   peerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// safeEqual compares in constant time without leaking the secret's length.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
