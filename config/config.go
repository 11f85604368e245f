/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package config

import (
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config defines a Server's configuration settings.
type Config struct {
	ListenAddr string

	WithMetrics       bool
	MetricsListenAddr string

	HTTPClient *http.Client

	Logger logrus.FieldLogger

	Metrics prometheus.Registerer

	SignalingURIs        []*url.URL
	SignalingAuthToken   string
	SignalingDisplayName string

	ICEServers               []string
	ICEInterfaces            []string
	ICENetworkTypes          []string
	ICEEphemeralUDPPortRange [2]uint16

	MaxPeers           int
	NegotiationTimeout time.Duration
}
