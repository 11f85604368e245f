/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"github.com/pion/webrtc/v4"
)

type operationKind string

const (
	operationOffer       operationKind = "offer"
	operationAnswer      operationKind = "answer"
	operationRenegotiate operationKind = "renegotiate"
)

// operation is a queued unit of negotiation work for a single peer.
type operation struct {
	kind   operationKind
	peerID string

	// remoteOffer carries the remote description for answer operations.
	remoteOffer *webrtc.SessionDescription

	// iceRestart requests fresh connectivity candidates with the offer.
	iceRestart bool

	retries int
}

// operationQueue is the per peer FIFO of pending negotiation operations. The
// owning peer's lock must be held for all calls. The processing flag keeps
// queue processing single flighted per peer without blocking other peers.
type operationQueue struct {
	pending    []*operation
	processing bool
}

func (q *operationQueue) push(op *operation) {
	q.pending = append(q.pending, op)
}

func (q *operationQueue) head() *operation {
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

func (q *operationQueue) pop() *operation {
	if len(q.pending) == 0 {
		return nil
	}
	op := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return op
}

func (q *operationQueue) size() int {
	return len(q.pending)
}

func (q *operationQueue) clear() {
	q.pending = nil
}
