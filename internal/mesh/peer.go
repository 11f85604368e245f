/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"

	"github.com/meshvc/meshvc/internal/rtc"
)

// Peer is the single record for one remote participant. Everything keyed by
// peer id lives here: the native connection, the negotiation state machine,
// the operation queue, the ICE candidate buffer, the cached native states and
// the timers. The registry owns the record, nothing else mutates it.
type Peer struct {
	deadlock.RWMutex

	id        string
	pcid      string
	initiator bool
	when      time.Time

	ctx    context.Context
	cancel context.CancelFunc

	conn rtc.Connection

	sm         *stateMachine
	queue      operationQueue
	candidates candidateBuffer

	connectionState    webrtc.PeerConnectionState
	iceConnectionState webrtc.ICEConnectionState
	iceGatheringState  webrtc.ICEGatheringState

	graceTimer *time.Timer

	removed bool
}

// ID returns the stable identifier of the remote participant.
func (peer *Peer) ID() string {
	return peer.id
}

// PCID returns the connection instance id, unique per created connection.
func (peer *Peer) PCID() string {
	return peer.pcid
}

// Initiator reports whether the local side creates offers towards this peer.
func (peer *Peer) Initiator() bool {
	return peer.initiator
}

// When returns the creation time of the record.
func (peer *Peer) When() time.Time {
	return peer.when
}

// NegotiationState returns the peer's current negotiation state.
func (peer *Peer) NegotiationState() NegotiationState {
	peer.RLock()
	defer peer.RUnlock()
	return peer.sm.current()
}

// ConnectionState returns the cached native connection state.
func (peer *Peer) ConnectionState() webrtc.PeerConnectionState {
	peer.RLock()
	defer peer.RUnlock()
	return peer.connectionState
}

// ICEConnectionState returns the cached native ICE connection state.
func (peer *Peer) ICEConnectionState() webrtc.ICEConnectionState {
	peer.RLock()
	defer peer.RUnlock()
	return peer.iceConnectionState
}

// ICEGatheringState returns the cached native ICE gathering state.
func (peer *Peer) ICEGatheringState() webrtc.ICEGatheringState {
	peer.RLock()
	defer peer.RUnlock()
	return peer.iceGatheringState
}

// QueueSize returns the number of queued negotiation operations.
func (peer *Peer) QueueSize() int {
	peer.RLock()
	defer peer.RUnlock()
	return peer.queue.size()
}

// BufferedCandidates returns the number of ICE candidates waiting for a
// remote description.
func (peer *Peer) BufferedCandidates() int {
	peer.RLock()
	defer peer.RUnlock()
	return peer.candidates.size()
}

// stopGraceTimerLocked cancels a pending disconnect removal, if any.
func (peer *Peer) stopGraceTimerLocked() {
	if peer.graceTimer != nil {
		peer.graceTimer.Stop()
		peer.graceTimer = nil
	}
}
