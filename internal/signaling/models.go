/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package signaling

import (
	"encoding/json"
)

// Message is the envelope for everything exchanged with the signaling
// server. The payload in Data depends on Type and stays opaque to the
// transport.
type Message struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Name carries the optional display name of the sending participant,
	// only join announcements set it.
	Name string `json:"name,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// Message types as used on the wire.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeTrackState   = "track-state"
)

// TrackStateData announces out-of-band mute and camera state changes.
type TrackStateData struct {
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}
