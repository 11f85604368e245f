/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote ICE candidates which arrived before the
// peer's remote description was set. Applying a candidate without a remote
// description is rejected by the native implementation, so candidates are
// held here in arrival order until the flush after set remote description.
// The owning peer's lock must be held for all calls.
type candidateBuffer struct {
	pending []webrtc.ICECandidateInit
}

// enqueue appends a candidate. It never fails.
func (b *candidateBuffer) enqueue(candidate webrtc.ICECandidateInit) {
	b.pending = append(b.pending, candidate)
}

// drain returns all buffered candidates in arrival order and clears the
// buffer.
func (b *candidateBuffer) drain() []webrtc.ICECandidateInit {
	pending := b.pending
	b.pending = nil
	return pending
}

func (b *candidateBuffer) size() int {
	return len(b.pending)
}
