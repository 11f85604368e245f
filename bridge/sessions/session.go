/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/orcaman/concurrent-map"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rogpeppe/fastuuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	cfg "github.com/meshvc/meshvc/config"
	"github.com/meshvc/meshvc/internal/mesh"
	"github.com/meshvc/meshvc/internal/rtc"
	"github.com/meshvc/meshvc/internal/signaling"
)

var guidGenerator = fastuuid.MustNewGenerator()

// Session is one signaling connection to a room and the mesh orchestrator
// behind it. It keeps reconnecting until its context ends. Peers do not
// survive a reconnect, the room state is rebuilt from the join announcements
// after every connect.
type Session struct {
	id     string
	uri    *url.URL
	config *cfg.Config
	logger logrus.FieldLogger

	factory rtc.Factory

	mutex        deadlock.RWMutex
	orchestrator *mesh.Orchestrator
	connectedAt  time.Time

	tracks cmap.ConcurrentMap
}

// NewSession creates a session towards the provided signaling URI. The local
// participant id is random per session and stays stable across reconnects.
func NewSession(config *cfg.Config, uri *url.URL) (*Session, error) {
	id := guidGenerator.Hex128()
	logger := config.Logger.WithFields(logrus.Fields{
		"session": id[:8],
		"url":     uri.String(),
	})

	factory, err := rtc.NewPionFactory(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc factory: %w", err)
	}

	return &Session{
		id:     id,
		uri:    uri,
		config: config,
		logger: logger,

		factory: factory,

		tracks: cmap.New(),
	}, nil
}

// ID returns the session's local participant id.
func (session *Session) ID() string {
	return session.id
}

// URI returns the configured signaling URI.
func (session *Session) URI() *url.URL {
	return session.uri
}

// Start connects the session and keeps it connected until the context ends,
// waiting with exponential backoff between attempts.
func (session *Session) Start(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := session.run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			session.logger.WithError(err).Warnln("signaling session ended, reconnect scheduled")
		}
		if time.Since(started) > time.Minute {
			// The previous connection held, start over with short waits.
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
		session.logger.Infoln("reconnecting signaling session")
	}
}

func (session *Session) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := signaling.NewClient(session.uri, session, &signaling.Options{
		Logger:     session.logger,
		HTTPClient: session.config.HTTPClient,

		ID:        session.id,
		Name:      session.config.SignalingDisplayName,
		AuthToken: session.config.SignalingAuthToken,
	})
	if err != nil {
		return fmt.Errorf("failed to create signaling client: %w", err)
	}

	orchestrator, err := mesh.NewOrchestrator(runCtx, session.id, &mesh.Options{
		Config: session.config,

		Logger:  session.logger,
		Factory: session.factory,

		Handlers: &mesh.Handlers{
			OnTrack: session.handleTrack,
			OnConnectionStateChange: func(peerID string, state webrtc.PeerConnectionState) {
				session.logger.WithFields(logrus.Fields{
					"peer":  peerID,
					"state": state,
				}).Debugln("peer connection state changed")
			},
			OnTrackState: func(peerID string, kind string, enabled bool) {
				session.logger.WithFields(logrus.Fields{
					"peer":    peerID,
					"kind":    kind,
					"enabled": enabled,
				}).Debugln("peer track state changed")
			},
			OnError: func(peerID string, handlerErr error) {
				session.logger.WithError(handlerErr).WithField("peer", peerID).Warnln("peer error")
			},
		},
	}, client)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	session.mutex.Lock()
	session.orchestrator = orchestrator
	session.connectedAt = time.Now()
	session.mutex.Unlock()
	defer func() {
		session.mutex.Lock()
		session.orchestrator = nil
		session.mutex.Unlock()
		orchestrator.Close()
	}()

	return client.Run(runCtx)
}

func (session *Session) current() *mesh.Orchestrator {
	session.mutex.RLock()
	defer session.mutex.RUnlock()
	return session.orchestrator
}

// NumActive returns the number of currently registered peers.
func (session *Session) NumActive() uint64 {
	orchestrator := session.current()
	if orchestrator == nil {
		return 0
	}
	return uint64(orchestrator.Registry().Count())
}

// HandleJoin implements signaling.Handler.
func (session *Session) HandleJoin(peerID string) error {
	orchestrator := session.current()
	if orchestrator == nil {
		return nil
	}
	return orchestrator.HandleJoin(peerID)
}

// HandleLeave implements signaling.Handler.
func (session *Session) HandleLeave(peerID string) {
	if orchestrator := session.current(); orchestrator != nil {
		orchestrator.HandleLeave(peerID)
	}
}

// HandleOffer implements signaling.Handler.
func (session *Session) HandleOffer(peerID string, offer webrtc.SessionDescription) error {
	orchestrator := session.current()
	if orchestrator == nil {
		return nil
	}
	return orchestrator.HandleOffer(peerID, offer)
}

// HandleAnswer implements signaling.Handler.
func (session *Session) HandleAnswer(peerID string, answer webrtc.SessionDescription) error {
	orchestrator := session.current()
	if orchestrator == nil {
		return nil
	}
	return orchestrator.HandleAnswer(peerID, answer)
}

// HandleICECandidate implements signaling.Handler.
func (session *Session) HandleICECandidate(peerID string, candidate webrtc.ICECandidateInit) {
	if orchestrator := session.current(); orchestrator != nil {
		orchestrator.HandleICECandidate(peerID, candidate)
	}
}

// HandleTrackState implements signaling.Handler.
func (session *Session) HandleTrackState(peerID string, kind string, enabled bool) {
	if orchestrator := session.current(); orchestrator != nil {
		orchestrator.HandleTrackState(peerID, kind, enabled)
	}
}

type trackRecord struct {
	peerID string
	kind   string
	ssrc   uint32
	since  time.Time

	packets uint64
	bytes   uint64
}

func (session *Session) handleTrack(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	logger := session.logger.WithFields(logrus.Fields{
		"peer": peerID,
		"kind": track.Kind(),
		"ssrc": track.SSRC(),
	})
	logger.Debugln("remote track started")

	record := &trackRecord{
		peerID: peerID,
		kind:   track.Kind().String(),
		ssrc:   uint32(track.SSRC()),
		since:  time.Now(),
	}
	key := fmt.Sprintf("%s/%d", peerID, track.SSRC())
	session.tracks.Set(key, record)

	go session.pumpTrack(peerID, track, record, key, logger)
}

// pumpTrack reads RTP from a remote track until it ends, keeping counters for
// introspection. Video tracks get a PLI keyframe request first so the remote
// side starts with a decodable frame.
func (session *Session) pumpTrack(peerID string, track *webrtc.TrackRemote, record *trackRecord, key string, logger logrus.FieldLogger) {
	defer session.tracks.Remove(key)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if orchestrator := session.current(); orchestrator != nil {
			pli := &rtcp.PictureLossIndication{
				MediaSSRC: uint32(track.SSRC()),
			}
			if err := orchestrator.Registry().WriteRTCP(peerID, []rtcp.Packet{pli}); err != nil {
				logger.WithError(err).Debugln("failed to request keyframe")
			}
		}
	}

	var packet *rtp.Packet
	var err error
	for {
		packet, _, err = track.ReadRTP()
		if err != nil {
			logger.WithError(err).Debugln("remote track ended")
			return
		}
		atomic.AddUint64(&record.packets, 1)
		atomic.AddUint64(&record.bytes, uint64(packet.MarshalSize()))
	}
}
