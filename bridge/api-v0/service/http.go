/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package service

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"

	"github.com/meshvc/meshvc/bridge"
	"github.com/meshvc/meshvc/bridge/sessions"
)

const (
	URIPrefix = "/api/mesh/v0"
)

// HTTPService binds the HTTP router with handlers for mesh API v0.
type HTTPService struct {
	logger   logrus.FieldLogger
	services *bridge.Services
}

// NewHTTPService creates a new HTTPService with the provided options.
func NewHTTPService(ctx context.Context, logger logrus.FieldLogger, services *bridge.Services) *HTTPService {
	return &HTTPService{
		logger:   logger,
		services: services,
	}
}

// AddRoutes configures the services HTTP end point routing on the provided
// context and router.
func (h *HTTPService) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	v0 := router.PathPrefix(URIPrefix).Subrouter()

	if sm, ok := h.services.SessionsManager.(*sessions.Manager); ok {
		r := v0.PathPrefix("/bridge").Subrouter()

		// /api/mesh/v0/bridge/sessions
		// /api/mesh/v0/bridge/sessions/:session
		// /api/mesh/v0/bridge/sessions/:session/peers
		// /api/mesh/v0/bridge/sessions/:session/peers/:peer
		r.Handle("/sessions", chain.ThenFunc(sm.HTTPSessionsHandler))
		r.Handle("/sessions/{sessionID}", chain.ThenFunc(sm.HTTPSessionsHandler))
		r.Handle("/sessions/{sessionID}/peers", chain.ThenFunc(sm.HTTPSessionPeersHandler))
		r.Handle("/sessions/{sessionID}/peers/{peerID}", chain.ThenFunc(sm.HTTPSessionPeersHandler))
	}

	return router
}

// NumActive returns the number of the currently active connections at the
// accociated HTTPService.
func (h *HTTPService) NumActive() (active uint64) {
	for _, service := range h.services.Services() {
		active += service.NumActive()
	}

	return active
}
