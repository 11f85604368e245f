/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

// Package rtc wraps the native WebRTC implementation behind a small
// capability interface so the negotiation core stays testable without a
// network stack.
package rtc

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Connection is the capability set the negotiation core needs from a native
// peer connection. SDP and ICE payloads pass through opaquely as produced by
// the implementation.
type Connection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error
	Senders() []Sender
	WriteRTCP(packets []rtcp.Packet) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	ICEGatheringState() webrtc.ICEGatheringState

	OnTrack(handler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnICECandidate(handler func(candidate *webrtc.ICECandidate))
	OnConnectionStateChange(handler func(state webrtc.PeerConnectionState))
	OnICEConnectionStateChange(handler func(state webrtc.ICEConnectionState))
	OnICEGatheringStateChange(handler func(state webrtc.ICEGatheringState))
	OnNegotiationNeeded(handler func())

	Close() error
}

// Sender is an outgoing track attachment on a Connection.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Factory creates native connections, one per remote peer.
type Factory interface {
	NewConnection() (Connection, error)
}
