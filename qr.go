/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

// boardURL is the link a participant scans to join the session.
func boardURL(cfg *Config, r *http.Request, code string) string {
	base := strings.TrimSuffix(cfg.shareURL, "/")
	if base == "" {
		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host + cfg.prefix
	}

	return base + "/board/" + code
}

func serveQRCode(s *server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		corsHeaders(s.cfg, w, r)

		session, err := s.registry.Get(p.ByName("gameCode"))
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}

		png, err := qrcode.Encode(boardURL(s.cfg, r, session.Code()), qrcode.Medium, qrSize)
		if err != nil {
			writeError(s.cfg, w, err)

			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		securityHeaders(s.cfg, w)

		if _, err := w.Write(png); err != nil {
			report(s.errs, err)

			return
		}

		logf(s.cfg, "SERVE: QR code for %s to %s", session.Code(), realIP(r))
	}
}
