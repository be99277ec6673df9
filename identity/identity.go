/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package identity validates bearer credentials issued by an external
// identity provider and turns them into participant identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAuth         = errors.New("identity: authentication failed")
	ErrNoCredential = fmt.Errorf("%w: missing credential", ErrAuth)
)

// Identity is the authenticated participant behind a connection.
type Identity struct {
	Subject   string
	Name      string
	Email     string
	Anonymous bool
}

// DisplayName is the name shown next to chat messages.
func (i Identity) DisplayName() string {
	if name := strings.TrimSpace(i.Name); name != "" {
		return name
	}
	if email := strings.TrimSpace(i.Email); email != "" {
		return email
	}
	return "Anon"
}

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// AuthenticatorFunc adapts a plain function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, credential string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

// BearerToken extracts the token from an Authorization header value.
// A bare token without the scheme is accepted as well.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

type anonymous struct {
	next Authenticator
}

// AllowAnonymous accepts requests without a credential as anonymous
// participants. Presented credentials are still checked by next, when set.
func AllowAnonymous(next Authenticator) Authenticator {
	return anonymous{next: next}
}

func (a anonymous) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" || a.next == nil {
		if err := ctx.Err(); err != nil {
			return Identity{}, err
		}
		return Identity{Subject: "anonymous", Anonymous: true}, nil
	}
	return a.next.Authenticate(ctx, credential)
}
