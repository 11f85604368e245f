/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package signaling

import (
	"github.com/pion/webrtc/v4"
)

// Handler receives inbound signaling events after the envelope has been
// decoded. Errors returned by the handler are logged by the client, they do
// not terminate the connection.
type Handler interface {
	HandleJoin(peerID string) error
	HandleLeave(peerID string)
	HandleOffer(peerID string, offer webrtc.SessionDescription) error
	HandleAnswer(peerID string, answer webrtc.SessionDescription) error
	HandleICECandidate(peerID string, candidate webrtc.ICECandidateInit)
	HandleTrackState(peerID string, kind string, enabled bool)
}
