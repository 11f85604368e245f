/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"time"
)

// NegotiationState is the per peer signaling lifecycle state.
type NegotiationState string

const (
	// NegotiationStateStable is the initial and terminal state. New
	// negotiations may only be started from here.
	NegotiationStateStable NegotiationState = "stable"
	// NegotiationStateCreatingOffer is entered while a local offer is being
	// created and applied.
	NegotiationStateCreatingOffer NegotiationState = "creating-offer"
	// NegotiationStateCreatingAnswer is entered while a remote offer is
	// being answered. It settles back to stable in the same operation.
	NegotiationStateCreatingAnswer NegotiationState = "creating-answer"
	// NegotiationStateWaitingForAnswer is entered once a local offer has
	// been sent and lasts until the matching remote answer is applied.
	NegotiationStateWaitingForAnswer NegotiationState = "waiting-for-answer"
)

// stateMachine tracks a single peer's negotiation state with a bounded timer
// on every departure from stable. The owning peer's lock must be held for all
// calls; the timeout callback fires on its own goroutine without the lock and
// carries the epoch of the attempt it belongs to so stale fires can be
// ignored.
type stateMachine struct {
	state NegotiationState
	epoch uint64

	timeout   time.Duration
	timer     *time.Timer
	onTimeout func(epoch uint64)
}

func newStateMachine(timeout time.Duration, onTimeout func(epoch uint64)) *stateMachine {
	return &stateMachine{
		state: NegotiationStateStable,

		timeout:   timeout,
		onTimeout: onTimeout,
	}
}

func (sm *stateMachine) current() NegotiationState {
	return sm.state
}

// begin starts a new negotiation. Only valid from stable.
func (sm *stateMachine) begin(to NegotiationState) error {
	if sm.state != NegotiationStateStable {
		return &InvalidStateError{
			State:  sm.state,
			Reason: "negotiation already in progress",
		}
	}

	sm.state = to
	sm.epoch++
	sm.armTimer()
	return nil
}

// advance moves between non stable states of the same attempt, keeping the
// running timer.
func (sm *stateMachine) advance(to NegotiationState) {
	sm.state = to
}

// settle completes the current attempt and returns to stable.
func (sm *stateMachine) settle() {
	sm.state = NegotiationStateStable
	sm.epoch++
	sm.stopTimer()
}

// forceStable abandons whatever attempt is in flight. Used on failure,
// timeout and teardown paths.
func (sm *stateMachine) forceStable() {
	sm.state = NegotiationStateStable
	sm.epoch++
	sm.stopTimer()
}

func (sm *stateMachine) armTimer() {
	sm.stopTimer()
	if sm.onTimeout == nil {
		return
	}
	epoch := sm.epoch
	sm.timer = time.AfterFunc(sm.timeout, func() {
		sm.onTimeout(epoch)
	})
}

func (sm *stateMachine) stopTimer() {
	if sm.timer != nil {
		sm.timer.Stop()
		sm.timer = nil
	}
}
