/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/dynamicboard/board"
	"github.com/Seednode/dynamicboard/identity"
)

const maxBodySize = 1 << 20

// credentialFrom returns the bearer credential of a request, falling back
// to the access_token query parameter for browser websocket clients.
func credentialFrom(r *http.Request) string {
	if token := identity.BearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("access_token")
}

// codeFrom returns the session code named by a request, if any.
func codeFrom(r *http.Request) string {
	if code := r.URL.Query().Get("gameCode"); code != "" {
		return board.NormalizeCode(code)
	}
	return board.NormalizeCode(r.Header.Get("game-code"))
}

func errMissingCode() error {
	return fmt.Errorf("%w: missing gameCode", board.ErrMalformedPayload)
}

func serveCreateGame(s *server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		corsHeaders(s.cfg, w, r)

		if _, err := s.authorize(r); err != nil {
			writeError(s.cfg, w, err)

			return
		}

		code, err := s.lifecycle.CreateSession(r.Context())
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(s.cfg, w)
		w.WriteHeader(http.StatusOK)

		if _, err := io.WriteString(w, code); err != nil {
			report(s.errs, err)

			return
		}

		logf(s.cfg, "GAMES: Created session %s for %s in %s",
			code,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveGameInfo(s *server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		corsHeaders(s.cfg, w, r)

		info, err := s.lifecycle.Describe(r.Context(), p.ByName("gameCode"))
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}

		data, err := json.Marshal(info)
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		securityHeaders(s.cfg, w)

		if _, err := w.Write(data); err != nil {
			report(s.errs, err)
		}
	}
}

func serveForgetGame(s *server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		corsHeaders(s.cfg, w, r)

		if _, err := s.authorize(r); err != nil {
			writeError(s.cfg, w, err)

			return
		}

		code := board.NormalizeCode(p.ByName("gameCode"))

		if err := s.lifecycle.ForgetSession(r.Context(), code); err != nil {
			writeError(s.cfg, w, err)

			return
		}

		securityHeaders(s.cfg, w)
		w.WriteHeader(http.StatusNoContent)

		logf(s.cfg, "GAMES: Ended session %s for %s", code, realIP(r))
	}
}

func serveStrokes(s *server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		corsHeaders(s.cfg, w, r)

		code := codeFrom(r)

		var points []board.Point
		var err error

		switch {
		case code != "":
			var session *board.Session
			session, err = s.registry.Get(code)
			if err == nil {
				points, err = session.Strokes().ReadAll(r.Context())
			}
		case s.cfg.strokesIndex:
			points, err = s.lifecycle.AllStrokes(r.Context())
		default:
			err = errMissingCode()
		}
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}
		if points == nil {
			points = []board.Point{}
		}

		data, err := json.Marshal(points)
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(s.cfg, w)

		written, err := w.Write(data)
		if err != nil {
			report(s.errs, err)

			return
		}

		scope := code
		if scope == "" {
			scope = "all sessions"
		}

		logf(s.cfg, "SERVE: Strokes for %s (%s) to %s in %s",
			scope,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func servePublishStrokes(s *server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		corsHeaders(s.cfg, w, r)

		if _, err := s.authorize(r); err != nil {
			writeError(s.cfg, w, err)

			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = fmt.Errorf("%w: body exceeds %d bytes", board.ErrMalformedPayload, tooLarge.Limit)
			}
			writeError(s.cfg, w, err)

			return
		}

		points, err := board.DecodePoints(body)
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}
		if len(points) > s.cfg.maxBatch {
			writeError(s.cfg, w, fmt.Errorf("%w: batch of %d exceeds %d points",
				board.ErrMalformedPayload, len(points), s.cfg.maxBatch))

			return
		}

		code := codeFrom(r)
		if code == "" {
			code = board.NormalizeCode(points[0].GameCode)
		}
		if code == "" {
			writeError(s.cfg, w, errMissingCode())

			return
		}

		session, err := s.registry.Get(code)
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}

		if err := session.Hub().PublishStroke(r.Context(), "", points...); err != nil {
			writeError(s.cfg, w, err)

			return
		}

		securityHeaders(s.cfg, w)
		w.WriteHeader(http.StatusNoContent)

		logf(s.cfg, "GAMES: Stored %d point(s) in %s from %s", len(points), code, realIP(r))
	}
}

func serveClearStrokes(s *server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		corsHeaders(s.cfg, w, r)

		if _, err := s.authorize(r); err != nil {
			writeError(s.cfg, w, err)

			return
		}

		code := codeFrom(r)
		if code == "" {
			writeError(s.cfg, w, errMissingCode())

			return
		}

		if err := s.lifecycle.ClearSession(r.Context(), code); err != nil {
			writeError(s.cfg, w, err)

			return
		}

		securityHeaders(s.cfg, w)
		w.WriteHeader(http.StatusNoContent)

		logf(s.cfg, "GAMES: Cleared session %s for %s", code, realIP(r))
	}
}

func registerGameHandlers(s *server, mux *httprouter.Router) {
	prefix := strings.TrimSuffix(s.cfg.prefix, "/")

	mux.POST(prefix+"/api/game/create", serveCreateGame(s))
	mux.GET(prefix+"/api/game/:gameCode", serveGameInfo(s))
	mux.DELETE(prefix+"/api/game/:gameCode", serveForgetGame(s))
	mux.GET(prefix+"/api/game/:gameCode/qr", serveQRCode(s))
}

func registerStrokeHandlers(s *server, mux *httprouter.Router) {
	prefix := strings.TrimSuffix(s.cfg.prefix, "/")

	mux.GET(prefix+"/strokes", serveStrokes(s))
	mux.POST(prefix+"/strokes", servePublishStrokes(s))
	mux.DELETE(prefix+"/strokes", serveClearStrokes(s))
}
