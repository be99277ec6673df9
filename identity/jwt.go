/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package identity

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWTConfig struct {
	// Secret verifies HMAC-signed tokens.
	Secret string
	// PublicKeyPEM verifies RSA, ECDSA or Ed25519 signed tokens.
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
	Leeway       time.Duration
}

type Claims struct {
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates signed access tokens.
type JWTAuthenticator struct {
	secret    []byte
	publicKey crypto.PublicKey
	parser    *jwt.Parser
}

func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{}

	var methods []string

	if cfg.Secret != "" {
		a.secret = []byte(cfg.Secret)
		methods = append(methods, "HS256", "HS384", "HS512")
	}

	if len(cfg.PublicKeyPEM) > 0 {
		key, alg, err := parsePublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, err
		}
		a.publicKey = key
		methods = append(methods, alg...)
	}

	if len(methods) == 0 {
		return nil, errors.New("identity: a jwt secret or public key is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	a.parser = jwt.NewParser(opts...)

	return a, nil
}

func parsePublicKey(data []byte) (crypto.PublicKey, []string, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return key, []string{"ES256", "ES384", "ES512"}, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(data); err == nil {
		return key, []string{"EdDSA"}, nil
	}
	return nil, nil, errors.New("identity: unsupported public key")
}

func (a *JWTAuthenticator) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(a.secret) == 0 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	default:
		if a.publicKey == nil {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.publicKey, nil
	}
}

// Authenticate validates raw and returns the identity embedded in it.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, raw string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrNoCredential
	}

	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(raw, claims, a.keyFunc)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrAuth
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrAuth)
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = strings.TrimSpace(claims.Nickname)
	}

	return Identity{
		Subject: claims.Subject,
		Name:    name,
		Email:   strings.TrimSpace(claims.Email),
	}, nil
}
