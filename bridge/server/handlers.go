/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package server

import (
	"net/http"
)

// HealthCheckHandler a http handler return 200 OK when server health is fine.
func (s *Server) HealthCheckHandler(rw http.ResponseWriter, req *http.Request) {
	rw.WriteHeader(http.StatusOK)
}
