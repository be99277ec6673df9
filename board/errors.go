/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"errors"

	"github.com/Seednode/dynamicboard/identity"
)

var (
	ErrSessionNotFound    = errors.New("board: session not found")
	ErrMalformedPayload   = errors.New("board: malformed payload")
	ErrCodeSpaceExhausted = errors.New("board: code space exhausted")
	ErrTransientIO        = errors.New("board: transient i/o failure")
	ErrDisconnected       = errors.New("board: connection disconnected")

	ErrAuth = identity.ErrAuth
)
