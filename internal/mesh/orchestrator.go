/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// BroadcastTarget addresses every participant of the room on the signaling
// channel.
const BroadcastTarget = "all"

// Transport is the full outbound signaling surface the orchestrator needs,
// the negotiation payloads of SignalSender plus the out-of-band track state
// broadcast.
type Transport interface {
	SignalSender

	SendTrackState(ctx context.Context, to string, kind string, enabled bool) error
}

// Orchestrator ties inbound signaling messages to the peer registry. It
// decides the offering side per peer pair, creates and removes connections
// on join and leave, and routes descriptions and candidates to the right
// peer. It holds no per peer state of its own.
type Orchestrator struct {
	ctx    context.Context
	logger logrus.FieldLogger

	id        string
	transport Transport
	registry  *Registry
	handlers  *Handlers
}

// NewOrchestrator creates an orchestrator for the local participant id. The
// id takes part in the initiator decision, so it has to match the id the
// signaling server announces to the other participants.
func NewOrchestrator(ctx context.Context, id string, options *Options, transport Transport) (*Orchestrator, error) {
	if id == "" {
		return nil, errors.New("orchestrator requires a local participant id")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	registry, err := NewRegistry(ctx, options, transport)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		ctx:    ctx,
		logger: registry.logger.WithField("self", id),

		id:        id,
		transport: transport,
		registry:  registry,
		handlers:  options.Handlers,
	}, nil
}

// ID returns the local participant id.
func (o *Orchestrator) ID() string {
	return o.id
}

// Registry exposes the underlying peer registry, used for introspection.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// HandleJoin reacts to a participant joining the room. The side whose id
// sorts lower creates the connection and the initial offer, the other side
// waits for it. A join announcement for the local participant itself is
// ignored.
func (o *Orchestrator) HandleJoin(peerID string) error {
	if peerID == "" || peerID == o.id {
		o.logger.Debugln("ignoring join for self")
		return nil
	}

	initiator := computeInitiator(o.id, peerID)
	peer, err := o.registry.CreatePeer(peerID, initiator)
	if err != nil {
		return err
	}

	if !initiator {
		// Connection is prepared, the remote side offers first.
		return nil
	}
	return o.registry.EnqueueOffer(peer.ID(), false)
}

// HandleLeave removes the departing participant's connection. Unknown
// participants are ignored.
func (o *Orchestrator) HandleLeave(peerID string) {
	o.registry.RemovePeer(peerID)
}

// HandleOffer answers a remote offer, creating the peer connection first
// when the offer arrives before the join announcement was processed.
func (o *Orchestrator) HandleOffer(peerID string, offer webrtc.SessionDescription) error {
	if peerID == "" || peerID == o.id {
		return &InvalidStateError{
			PeerID: peerID,
			Reason: "offer from self",
		}
	}

	peer, err := o.registry.CreatePeer(peerID, computeInitiator(o.id, peerID))
	if err != nil {
		return err
	}
	return o.registry.EnqueueAnswer(peer.ID(), offer)
}

// HandleAnswer applies a remote answer to the matching pending offer.
func (o *Orchestrator) HandleAnswer(peerID string, answer webrtc.SessionDescription) error {
	return o.registry.HandleAnswer(peerID, answer)
}

// HandleICECandidate routes a remote ICE candidate to its peer. It never
// fails, early and stray candidates are buffered or dropped inside the
// registry.
func (o *Orchestrator) HandleICECandidate(peerID string, candidate webrtc.ICECandidateInit) {
	o.registry.HandleRemoteCandidate(peerID, candidate)
}

// HandleTrackState forwards an out-of-band mute or camera state change to
// the application layer.
func (o *Orchestrator) HandleTrackState(peerID string, kind string, enabled bool) {
	if handler := o.handlers.OnTrackState; handler != nil {
		handler(peerID, kind, enabled)
	}
}

// SetLocalTracks installs the local media tracks on all current and future
// peer connections.
func (o *Orchestrator) SetLocalTracks(tracks []webrtc.TrackLocal) {
	o.registry.SetLocalTracks(tracks)
}

// PublishTrackState broadcasts a local mute or camera state change to the
// room.
func (o *Orchestrator) PublishTrackState(kind string, enabled bool) error {
	return o.transport.SendTrackState(o.ctx, BroadcastTarget, kind, enabled)
}

// Close tears down all peer connections.
func (o *Orchestrator) Close() {
	o.registry.Close()
}
