/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"fmt"
)

// CapacityError is returned when creating a peer connection would exceed the
// configured maximum peer count. The peer connection is not created.
type CapacityError struct {
	Limit int
}

func (err *CapacityError) Error() string {
	return fmt.Sprintf("peer capacity exceeded, limit is %d", err.Limit)
}

// NegotiationTimeoutError reports a negotiation attempt which exceeded the
// timeout budget. The peer's state machine has already been reset to stable
// when this error is reported, the peer remains usable.
type NegotiationTimeoutError struct {
	PeerID string
	State  NegotiationState
}

func (err *NegotiationTimeoutError) Error() string {
	return fmt.Sprintf("negotiation timeout for peer %s in state %s", err.PeerID, err.State)
}

// InvalidStateError is returned when a signaling message or operation does
// not match the peer's current negotiation state, or targets a peer without
// a connection. No state is mutated.
type InvalidStateError struct {
	PeerID string
	State  NegotiationState
	Reason string
}

func (err *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid negotiation state %s for peer %s: %s", err.State, err.PeerID, err.Reason)
}

// ICEApplyError reports a single ICE candidate which failed to apply. It
// never aborts the flush of remaining candidates.
type ICEApplyError struct {
	PeerID string
	Err    error
}

func (err *ICEApplyError) Error() string {
	return fmt.Sprintf("failed to apply ICE candidate for peer %s: %v", err.PeerID, err.Err)
}

func (err *ICEApplyError) Unwrap() error {
	return err.Err
}

// TrackReplaceError reports a failed outgoing track replacement. The peer
// connection is kept.
type TrackReplaceError struct {
	PeerID string
	Kind   string
	Err    error
}

func (err *TrackReplaceError) Error() string {
	return fmt.Sprintf("failed to replace %s track for peer %s: %v", err.Kind, err.PeerID, err.Err)
}

func (err *TrackReplaceError) Unwrap() error {
	return err.Err
}
