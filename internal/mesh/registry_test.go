/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestCreatePeerDuplicateReturnsExisting(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, nil)

	first, err := registry.CreatePeer("peer-1", true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := registry.CreatePeer("peer-1", false)
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Error("duplicate create did not return the existing record")
	}
	if factory.count() != 1 {
		t.Errorf("expected 1 connection, got %d", factory.count())
	}
	if registry.Count() != 1 {
		t.Errorf("expected 1 peer, got %d", registry.Count())
	}
}

func TestCreatePeerCapacityBound(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, func(options *Options) {
		options.MaxPeers = 2
	})

	if _, err := registry.CreatePeer("peer-1", true); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.CreatePeer("peer-2", true); err != nil {
		t.Fatal(err)
	}

	_, err := registry.CreatePeer("peer-3", true)
	var capacityErr *CapacityError
	if !errors.As(err, &capacityErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capacityErr.Limit != 2 {
		t.Errorf("expected limit 2, got %d", capacityErr.Limit)
	}
	if registry.Count() != 2 {
		t.Errorf("capacity overflow mutated the registry, got %d peers", registry.Count())
	}
	if factory.count() != 2 {
		t.Errorf("capacity overflow created a connection, got %d", factory.count())
	}
}

func TestOfferAnswerLifecycle(t *testing.T) {
	registry, factory, signaler := newTestRegistry(t, nil)

	peer, err := registry.CreatePeer("peer-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if err = registry.EnqueueOffer("peer-1", false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "offer to be sent", func() bool {
		return len(signaler.messages("offer")) == 1
	})
	if state := peer.NegotiationState(); state != NegotiationStateWaitingForAnswer {
		t.Fatalf("expected waiting-for-answer, got %s", state)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}
	if err = registry.HandleAnswer("peer-1", answer); err != nil {
		t.Fatal(err)
	}
	if state := peer.NegotiationState(); state != NegotiationStateStable {
		t.Errorf("expected stable after answer, got %s", state)
	}
	conn := factory.conn(0)
	if remote := conn.RemoteDescription(); remote == nil || remote.SDP != "answer-sdp" {
		t.Error("remote answer was not applied to the connection")
	}
}

func TestOperationsProcessedInOrderPerPeer(t *testing.T) {
	registry, _, signaler := newTestRegistry(t, nil)

	peer, err := registry.CreatePeer("peer-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if err = registry.EnqueueOffer("peer-1", false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first offer to be sent", func() bool {
		return len(signaler.messages("offer")) == 1
	})

	// A second operation while waiting for the answer must stay queued.
	if err = registry.EnqueueRenegotiate("peer-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(signaler.messages("offer")); got != 1 {
		t.Fatalf("renegotiation ran before the pending answer, %d offers sent", got)
	}
	if peer.QueueSize() != 1 {
		t.Errorf("expected 1 queued operation, got %d", peer.QueueSize())
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-1"}
	if err = registry.HandleAnswer("peer-1", answer); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "queued renegotiation to run", func() bool {
		return len(signaler.messages("offer")) == 2
	})
	offers := signaler.messages("offer")
	if offers[0].description.SDP != "offer-1" || offers[1].description.SDP != "offer-2" {
		t.Errorf("offers out of order: %q, %q", offers[0].description.SDP, offers[1].description.SDP)
	}
}

func TestPeerFailuresDoNotAffectOtherPeers(t *testing.T) {
	recorder := &errorRecorder{}
	registry, factory, signaler := newTestRegistry(t, func(options *Options) {
		options.Handlers = &Handlers{OnError: recorder.record}
	})

	if _, err := registry.CreatePeer("peer-bad", true); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.CreatePeer("peer-good", true); err != nil {
		t.Fatal(err)
	}

	bad := factory.conn(0)
	failure := errors.New("offer creation broken")
	bad.mutex.Lock()
	bad.createOfferErrs = []error{failure, failure, failure}
	bad.mutex.Unlock()

	if err := registry.EnqueueOffer("peer-bad", false); err != nil {
		t.Fatal(err)
	}
	if err := registry.EnqueueOffer("peer-good", false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "good peer offer to be sent", func() bool {
		for _, message := range signaler.messages("offer") {
			if message.to == "peer-good" {
				return true
			}
		}
		return false
	})
	waitFor(t, "bad peer operation to be dropped", func() bool {
		return len(recorder.all()) > 0
	})

	good, _ := registry.Get("peer-good")
	if state := good.NegotiationState(); state != NegotiationStateWaitingForAnswer {
		t.Errorf("good peer was affected by the bad peer, state %s", state)
	}
	badPeer, _ := registry.Get("peer-bad")
	if state := badPeer.NegotiationState(); state != NegotiationStateStable {
		t.Errorf("failed peer did not reset to stable, state %s", state)
	}
}

func TestOperationRetriedToCeilingThenDropped(t *testing.T) {
	recorder := &errorRecorder{}
	registry, factory, signaler := newTestRegistry(t, func(options *Options) {
		options.Handlers = &Handlers{OnError: recorder.record}
	})

	if _, err := registry.CreatePeer("peer-1", true); err != nil {
		t.Fatal(err)
	}
	conn := factory.conn(0)
	failure := errors.New("offer creation broken")
	conn.mutex.Lock()
	conn.createOfferErrs = []error{failure, failure, failure, failure, failure}
	conn.mutex.Unlock()

	if err := registry.EnqueueOffer("peer-1", false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "operation to be dropped", func() bool {
		return len(recorder.all()) > 0
	})
	if !errors.Is(recorder.all()[0], failure) {
		t.Errorf("dropped operation reported unexpected error: %v", recorder.all()[0])
	}

	conn.mutex.Lock()
	remaining := len(conn.createOfferErrs)
	conn.mutex.Unlock()
	if consumed := 5 - remaining; consumed != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", consumed)
	}

	peer, _ := registry.Get("peer-1")
	if peer.QueueSize() != 0 {
		t.Errorf("dropped operation still queued, size %d", peer.QueueSize())
	}
	if state := peer.NegotiationState(); state != NegotiationStateStable {
		t.Errorf("expected stable after drop, got %s", state)
	}
	if len(signaler.messages("offer")) != 0 {
		t.Error("no offer should have been sent")
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, nil)

	peer, err := registry.CreatePeer("peer-1", false)
	if err != nil {
		t.Fatal(err)
	}
	conn := factory.conn(0)

	c1 := webrtc.ICECandidateInit{Candidate: "candidate-1"}
	c2 := webrtc.ICECandidateInit{Candidate: "candidate-2"}
	c3 := webrtc.ICECandidateInit{Candidate: "candidate-3"}

	registry.HandleRemoteCandidate("peer-1", c1)
	registry.HandleRemoteCandidate("peer-1", c2)

	if len(conn.applied()) != 0 {
		t.Fatal("candidates applied before remote description")
	}
	if peer.BufferedCandidates() != 2 {
		t.Fatalf("expected 2 buffered candidates, got %d", peer.BufferedCandidates())
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	if err = registry.EnqueueAnswer("peer-1", offer); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "answer negotiation to settle", func() bool {
		return peer.NegotiationState() == NegotiationStateStable && len(conn.applied()) == 2
	})

	registry.HandleRemoteCandidate("peer-1", c3)

	applied := conn.applied()
	if len(applied) != 3 {
		t.Fatalf("expected 3 applied candidates, got %d", len(applied))
	}
	for i, want := range []string{"candidate-1", "candidate-2", "candidate-3"} {
		if applied[i].Candidate != want {
			t.Errorf("candidate %d out of order: got %s want %s", i, applied[i].Candidate, want)
		}
	}
	if peer.BufferedCandidates() != 0 {
		t.Errorf("buffer not cleared, %d left", peer.BufferedCandidates())
	}
}

func TestCandidateApplyFailureDoesNotBlockOthers(t *testing.T) {
	recorder := &errorRecorder{}
	registry, factory, _ := newTestRegistry(t, func(options *Options) {
		options.Handlers = &Handlers{OnError: recorder.record}
	})

	peer, err := registry.CreatePeer("peer-1", false)
	if err != nil {
		t.Fatal(err)
	}
	conn := factory.conn(0)
	conn.mutex.Lock()
	conn.failCandidates["candidate-2"] = true
	conn.mutex.Unlock()

	registry.HandleRemoteCandidate("peer-1", webrtc.ICECandidateInit{Candidate: "candidate-1"})
	registry.HandleRemoteCandidate("peer-1", webrtc.ICECandidateInit{Candidate: "candidate-2"})
	registry.HandleRemoteCandidate("peer-1", webrtc.ICECandidateInit{Candidate: "candidate-3"})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	if err = registry.EnqueueAnswer("peer-1", offer); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "flush to complete", func() bool {
		return peer.NegotiationState() == NegotiationStateStable && len(conn.applied()) == 2
	})

	applied := conn.applied()
	if applied[0].Candidate != "candidate-1" || applied[1].Candidate != "candidate-3" {
		t.Errorf("unexpected applied candidates: %v", applied)
	}
	waitFor(t, "apply failure to be reported", func() bool {
		for _, err := range recorder.all() {
			var applyErr *ICEApplyError
			if errors.As(err, &applyErr) {
				return true
			}
		}
		return false
	})
	if peer.BufferedCandidates() != 0 {
		t.Errorf("buffer not cleared after partial failure, %d left", peer.BufferedCandidates())
	}
}

func TestCandidateForUnknownPeerIsDropped(t *testing.T) {
	registry, _, _ := newTestRegistry(t, nil)

	// Must not panic or create anything.
	registry.HandleRemoteCandidate("nobody", webrtc.ICECandidateInit{Candidate: "candidate-1"})
	if registry.Count() != 0 {
		t.Error("stray candidate created a peer")
	}
}

func TestStrayAnswerRejectedWithoutMutation(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, nil)

	peer, err := registry.CreatePeer("peer-1", true)
	if err != nil {
		t.Fatal(err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "stray"}
	err = registry.HandleAnswer("peer-1", answer)
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if state := peer.NegotiationState(); state != NegotiationStateStable {
		t.Errorf("stray answer mutated state to %s", state)
	}
	if factory.conn(0).RemoteDescription() != nil {
		t.Error("stray answer was applied to the connection")
	}

	if err = registry.HandleAnswer("nobody", answer); !errors.As(err, &stateErr) {
		t.Errorf("expected InvalidStateError for unknown peer, got %v", err)
	}
}

func TestNegotiationTimeoutRecovers(t *testing.T) {
	recorder := &errorRecorder{}
	registry, _, signaler := newTestRegistry(t, func(options *Options) {
		options.NegotiationTimeout = 30 * time.Millisecond
		options.Handlers = &Handlers{OnError: recorder.record}
	})

	peer, err := registry.CreatePeer("peer-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if err = registry.EnqueueOffer("peer-1", false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer to be sent", func() bool {
		return len(signaler.messages("offer")) == 1
	})

	// No answer arrives, the attempt must time out and reset to stable.
	waitFor(t, "negotiation timeout", func() bool {
		for _, err := range recorder.all() {
			var timeoutErr *NegotiationTimeoutError
			if errors.As(err, &timeoutErr) {
				return timeoutErr.State == NegotiationStateWaitingForAnswer
			}
		}
		return false
	})
	waitFor(t, "state reset to stable", func() bool {
		return peer.NegotiationState() == NegotiationStateStable
	})

	// The late answer belongs to the abandoned attempt and must be rejected.
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"}
	var stateErr *InvalidStateError
	if err = registry.HandleAnswer("peer-1", answer); !errors.As(err, &stateErr) {
		t.Errorf("expected InvalidStateError for late answer, got %v", err)
	}

	// A fresh negotiation must start cleanly.
	if err = registry.EnqueueOffer("peer-1", false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fresh offer to be sent", func() bool {
		return len(signaler.messages("offer")) == 2
	})
}

func TestRemovePeerIsIdempotent(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, nil)

	if _, err := registry.CreatePeer("peer-1", true); err != nil {
		t.Fatal(err)
	}
	conn := factory.conn(0)

	registry.RemovePeer("peer-1")
	if !conn.isClosed() {
		t.Error("connection not closed on removal")
	}
	if registry.Count() != 0 {
		t.Errorf("expected 0 peers, got %d", registry.Count())
	}

	// Second removal and removal of unknown ids are no-ops.
	registry.RemovePeer("peer-1")
	registry.RemovePeer("nobody")

	var stateErr *InvalidStateError
	if err := registry.EnqueueOffer("peer-1", false); !errors.As(err, &stateErr) {
		t.Errorf("expected InvalidStateError after removal, got %v", err)
	}
}

func TestDisconnectGraceAllowsReconnect(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, func(options *Options) {
		options.DisconnectGrace = 30 * time.Millisecond
	})

	if _, err := registry.CreatePeer("peer-1", true); err != nil {
		t.Fatal(err)
	}
	conn := factory.conn(0)

	conn.fireConnectionStateChange(webrtc.PeerConnectionStateDisconnected)
	time.Sleep(10 * time.Millisecond)
	conn.fireConnectionStateChange(webrtc.PeerConnectionStateConnected)

	time.Sleep(50 * time.Millisecond)
	if registry.Count() != 1 {
		t.Error("peer was removed despite reconnecting within the grace period")
	}

	conn.fireConnectionStateChange(webrtc.PeerConnectionStateDisconnected)
	waitFor(t, "peer removal after grace period", func() bool {
		return registry.Count() == 0
	})
}

func TestDisconnectGraceReArmsAfterLapsingMidRecovery(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, func(options *Options) {
		options.DisconnectGrace = 10 * time.Millisecond
	})

	if _, err := registry.CreatePeer("peer-1", true); err != nil {
		t.Fatal(err)
	}
	conn := factory.conn(0)

	// The peer drops, then moves to connecting (an ICE restart in flight)
	// and the grace period lapses while it is neither disconnected nor
	// connected. The lapsed timer must not keep a later disconnect from
	// arming a fresh grace period.
	conn.fireConnectionStateChange(webrtc.PeerConnectionStateDisconnected)
	conn.fireConnectionStateChange(webrtc.PeerConnectionStateConnecting)
	time.Sleep(30 * time.Millisecond)
	if registry.Count() != 1 {
		t.Fatal("peer was removed while connecting")
	}

	conn.fireConnectionStateChange(webrtc.PeerConnectionStateDisconnected)
	waitFor(t, "peer removal after grace period of a second disconnect", func() bool {
		return registry.Count() == 0
	})
}

func TestFailedConnectionIsRemovedImmediately(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, nil)

	if _, err := registry.CreatePeer("peer-1", true); err != nil {
		t.Fatal(err)
	}
	factory.conn(0).fireConnectionStateChange(webrtc.PeerConnectionStateFailed)

	waitFor(t, "peer removal on failed state", func() bool {
		return registry.Count() == 0
	})
	if !factory.conn(0).isClosed() {
		t.Error("connection not closed")
	}
}

func TestICEFailureTriggersRestartOfferForInitiator(t *testing.T) {
	registry, factory, signaler := newTestRegistry(t, nil)

	if _, err := registry.CreatePeer("peer-1", true); err != nil {
		t.Fatal(err)
	}
	conn := factory.conn(0)
	conn.fireICEConnectionStateChange(webrtc.ICEConnectionStateFailed)

	waitFor(t, "ICE restart offer", func() bool {
		return len(signaler.messages("offer")) == 1
	})
	conn.mutex.Lock()
	options := conn.lastOfferOptions
	conn.mutex.Unlock()
	if options == nil || !options.ICERestart {
		t.Error("offer was created without ICE restart")
	}
}

func TestICEFailureDoesNotOfferForNonInitiator(t *testing.T) {
	registry, factory, signaler := newTestRegistry(t, nil)

	if _, err := registry.CreatePeer("peer-1", false); err != nil {
		t.Fatal(err)
	}
	factory.conn(0).fireICEConnectionStateChange(webrtc.ICEConnectionStateFailed)

	time.Sleep(20 * time.Millisecond)
	if len(signaler.messages("offer")) != 0 {
		t.Error("non initiator sent an offer on ICE failure")
	}
}

func TestSetLocalTracksReplacesSameKindInPlace(t *testing.T) {
	registry, factory, signaler := newTestRegistry(t, nil)

	if _, err := registry.CreatePeer("peer-1", true); err != nil {
		t.Fatal(err)
	}
	conn := factory.conn(0)

	audio1 := &fakeTrack{id: "audio-1", kind: webrtc.RTPCodecTypeAudio}
	registry.SetLocalTracks([]webrtc.TrackLocal{audio1})

	waitFor(t, "renegotiation offer after track add", func() bool {
		return len(signaler.messages("offer")) == 1
	})
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-1"}
	if err := registry.HandleAnswer("peer-1", answer); err != nil {
		t.Fatal(err)
	}

	// Same kind again: replaced in place, no renegotiation.
	audio2 := &fakeTrack{id: "audio-2", kind: webrtc.RTPCodecTypeAudio}
	registry.SetLocalTracks([]webrtc.TrackLocal{audio2})
	time.Sleep(20 * time.Millisecond)
	if got := len(signaler.messages("offer")); got != 1 {
		t.Errorf("track replacement triggered renegotiation, %d offers", got)
	}
	senders := conn.Senders()
	if len(senders) != 1 {
		t.Fatalf("expected 1 sender, got %d", len(senders))
	}
	if senders[0].Track().ID() != "audio-2" {
		t.Error("sender track was not replaced")
	}

	// New kind: added and renegotiated.
	video := &fakeTrack{id: "video-1", kind: webrtc.RTPCodecTypeVideo}
	registry.SetLocalTracks([]webrtc.TrackLocal{audio2, video})
	waitFor(t, "renegotiation offer after new kind", func() bool {
		return len(signaler.messages("offer")) == 2
	})
	if len(conn.Senders()) != 2 {
		t.Errorf("expected 2 senders, got %d", len(conn.Senders()))
	}
}

func TestNewPeerGetsCurrentLocalTracks(t *testing.T) {
	registry, factory, _ := newTestRegistry(t, nil)

	audio := &fakeTrack{id: "audio-1", kind: webrtc.RTPCodecTypeAudio}
	registry.SetLocalTracks([]webrtc.TrackLocal{audio})

	if _, err := registry.CreatePeer("peer-1", false); err != nil {
		t.Fatal(err)
	}
	if senders := factory.conn(0).Senders(); len(senders) != 1 {
		t.Errorf("expected the local track on the new peer, got %d senders", len(senders))
	}
}
