/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Seednode/dynamicboard/board"
)

var ErrNotConnected = errors.New("client: not connected")

// ServerError is an error frame sent by the server. It unwraps to the
// matching board error, so errors.Is works across the wire.
type ServerError struct {
	Code    string
	Message string
	Receipt string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

func (e *ServerError) Unwrap() error {
	return errorForCode(e.Code)
}

func errorForCode(code string) error {
	switch code {
	case "unauthorized":
		return board.ErrAuth
	case "session_not_found":
		return board.ErrSessionNotFound
	case "malformed_payload":
		return board.ErrMalformedPayload
	case "unavailable":
		return board.ErrTransientIO
	case "disconnected":
		return board.ErrDisconnected
	default:
		return nil
	}
}

// statusError maps a failed HTTP exchange onto the board errors.
func statusError(status int, detail string) error {
	var base error
	switch status {
	case http.StatusUnauthorized:
		base = board.ErrAuth
	case http.StatusNotFound:
		base = board.ErrSessionNotFound
	case http.StatusBadRequest:
		base = board.ErrMalformedPayload
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		base = board.ErrTransientIO
	default:
		return fmt.Errorf("client: unexpected status %d: %s", status, detail)
	}
	return fmt.Errorf("%w: status %d: %s", base, status, detail)
}

// retryable reports whether err is worth another attempt. Rejections by
// the server are final, everything else is treated as transient.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, board.ErrAuth),
		errors.Is(err, board.ErrSessionNotFound),
		errors.Is(err, board.ErrMalformedPayload):
		return false
	default:
		return true
	}
}
