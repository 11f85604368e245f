/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"github.com/pion/webrtc/v4"
)

// Handlers is the event contract exposed to the application layer. All
// callbacks are best effort, the core never waits for their completion. Any
// handler may be nil.
type Handlers struct {
	OnTrack func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	// OnICECandidate observes locally gathered candidates. The relay to the
	// signaling channel happens inside the registry, this handler is
	// informational.
	OnICECandidate func(peerID string, candidate webrtc.ICECandidateInit)

	OnConnectionStateChange    func(peerID string, state webrtc.PeerConnectionState)
	OnICEConnectionStateChange func(peerID string, state webrtc.ICEConnectionState)

	OnNegotiationNeeded func(peerID string)

	// OnTrackState receives out-of-band mute/unmute and camera state
	// changes relayed over the signaling channel.
	OnTrackState func(peerID string, kind string, enabled bool)

	OnError func(peerID string, err error)
}
