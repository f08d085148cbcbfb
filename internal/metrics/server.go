// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Server exposes /metrics on its own listener.
type Server struct {
	server *http.Server
}

// NewMetricsServer builds the metrics server. basicAuthUsers is "user:bcrypt_hash[,user:hash]".
func NewMetricsServer(manager *Manager, host string, port int, basicAuthUsers string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	handler := promhttp.HandlerFor(manager.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})

	users := ParseBasicAuthUsers(basicAuthUsers)
	if len(users) > 0 {
		r.With(basicAuth(users)).Handle("/metrics", handler)
	} else {
		r.Handle("/metrics", handler)
	}

	return &Server{
		server: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (s *Server) Close() error {
	return s.server.Close()
}

// ParseBasicAuthUsers splits "user:hash,user2:hash2", skipping malformed entries.
func ParseBasicAuthUsers(raw string) map[string]string {
	users := make(map[string]string)
	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			log.Warn().Str("entry", user).Msg("Ignoring malformed metrics basic auth entry")
			continue
		}
		users[user] = hash
	}
	return users
}

func basicAuth(users map[string]string) func(http.Handler) http.Handler {
	dummy, _ := bcrypt.GenerateFromPassword([]byte("ariasync"), bcrypt.MinCost)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if ok {
				hash, known := users[user]
				if !known {
					hash = string(dummy)
				}
				match := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
				if known && match {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
