/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"time"

	"github.com/sirupsen/logrus"

	cfg "github.com/meshvc/meshvc/config"
	"github.com/meshvc/meshvc/internal/rtc"
)

// Defaults replicate the behavior of the reference deployment. All of them
// are configuration, not constants the code depends on.
const (
	defaultMaxPeers           = 10
	defaultNegotiationTimeout = 30 * time.Second
	defaultRetryLimit         = 3
	defaultRetryDelay         = 100 * time.Millisecond
	defaultDisconnectGrace    = 5 * time.Second
)

// Options control a Registry and its Orchestrator.
type Options struct {
	Config *cfg.Config

	Logger  logrus.FieldLogger
	Factory rtc.Factory

	Handlers *Handlers

	// MaxPeers bounds the number of concurrently connected peers. Exceeding
	// it is a hard failure.
	MaxPeers int

	// NegotiationTimeout bounds every departure from the stable negotiation
	// state.
	NegotiationTimeout time.Duration

	// RetryLimit is the number of attempts a queued negotiation operation
	// gets before it is dropped.
	RetryLimit int

	// RetryDelay is the pause between queue processing retries.
	RetryDelay time.Duration

	// DisconnectGrace is how long a peer may stay in the disconnected
	// connection state before it is removed.
	DisconnectGrace time.Duration
}

func (options *Options) applyDefaults() {
	if options.MaxPeers == 0 {
		options.MaxPeers = defaultMaxPeers
	}
	if options.NegotiationTimeout == 0 {
		options.NegotiationTimeout = defaultNegotiationTimeout
	}
	if options.RetryLimit == 0 {
		options.RetryLimit = defaultRetryLimit
	}
	if options.RetryDelay == 0 {
		options.RetryDelay = defaultRetryDelay
	}
	if options.DisconnectGrace == 0 {
		options.DisconnectGrace = defaultDisconnectGrace
	}
	if options.Handlers == nil {
		options.Handlers = &Handlers{}
	}
	if options.Config != nil {
		if options.Config.MaxPeers != 0 {
			options.MaxPeers = options.Config.MaxPeers
		}
		if options.Config.NegotiationTimeout != 0 {
			options.NegotiationTimeout = options.Config.NegotiationTimeout
		}
	}
}
