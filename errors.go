/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Seednode/dynamicboard/board"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	cfg.log().Info(fmt.Sprintf(format, args...))
}

func (c *Config) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// drainErrors logs handler write failures until ctx is done.
func drainErrors(ctx context.Context, cfg *Config, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			cfg.log().Warn("failed to write response", "error", err)
		}
	}
}

// report hands err to the error channel without ever blocking a handler.
func report(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, board.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, board.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, board.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, board.ErrCodeSpaceExhausted), errors.Is(err, board.ErrTransientIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the machine readable error name sent to websocket clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, board.ErrAuth):
		return "unauthorized"
	case errors.Is(err, board.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, board.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, board.ErrTransientIO):
		return "unavailable"
	case errors.Is(err, board.ErrDisconnected):
		return "disconnected"
	default:
		return "internal_error"
	}
}

func writeError(cfg *Config, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		cfg.log().Error("request failed", "error", err)
	}

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="dynamicboard"`)
	}

	securityHeaders(cfg, w)
	http.Error(w, http.StatusText(status)+": "+err.Error(), status)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
