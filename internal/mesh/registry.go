/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orcaman/concurrent-map"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/meshvc/meshvc/internal/rtc"
)

// SignalSender is the outbound half of the signaling channel the registry
// needs to complete negotiations. SDP and ICE payloads pass through opaquely.
type SignalSender interface {
	SendOffer(ctx context.Context, to string, description webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, to string, description webrtc.SessionDescription) error
	SendICECandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error
}

// Registry owns the set of active peer connections. It enforces the maximum
// peer bound, wires native connection events into the Handlers contract,
// serializes negotiation per peer through the operation queue and performs
// teardown. Per peer failures never affect other peers.
type Registry struct {
	ctx    context.Context
	logger logrus.FieldLogger

	options  *Options
	factory  rtc.Factory
	handlers *Handlers
	sender   SignalSender

	// createMu serializes create and remove so the capacity bound stays
	// hard. Lookups go through the concurrent map without it.
	createMu deadlock.Mutex
	peers    cmap.ConcurrentMap

	tracksMu    deadlock.Mutex
	localTracks []webrtc.TrackLocal

	metrics *metrics
}

// NewRegistry creates a registry from the provided options and signal
// sender.
func NewRegistry(ctx context.Context, options *Options, sender SignalSender) (*Registry, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	options.applyDefaults()
	if options.Factory == nil {
		return nil, errors.New("options require a connection factory")
	}
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	logger := options.Logger
	if logger == nil && options.Config != nil {
		logger = options.Config.Logger
	}
	if logger == nil {
		return nil, errors.New("options require a logger")
	}

	r := &Registry{
		ctx:    ctx,
		logger: logger,

		options:  options,
		factory:  options.Factory,
		handlers: options.Handlers,
		sender:   sender,

		peers: cmap.New(),
	}
	if options.Config != nil {
		r.metrics = newMetrics(options.Config.Metrics)
	} else {
		r.metrics = newMetrics(nil)
	}

	return r, nil
}

// CreatePeer returns the connection record for peerID, creating it when
// absent. Creating a duplicate returns the existing record. Exceeding the
// configured maximum peer count fails with CapacityError and creates
// nothing.
func (r *Registry) CreatePeer(peerID string, initiator bool) (*Peer, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if record, exists := r.peers.Get(peerID); exists {
		r.logger.WithField("peer", peerID).Debugln("peer connection already exists, reusing")
		return record.(*Peer), nil
	}

	if r.peers.Count() >= r.options.MaxPeers {
		err := &CapacityError{Limit: r.options.MaxPeers}
		r.dispatchError(peerID, err)
		return nil, err
	}

	conn, err := r.factory.NewConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create native connection: %w", err)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	peer := &Peer{
		id:        peerID,
		pcid:      newRandomGUID(),
		initiator: initiator,
		when:      time.Now(),

		ctx:    ctx,
		cancel: cancel,

		conn: conn,
	}
	peer.sm = newStateMachine(r.options.NegotiationTimeout, func(epoch uint64) {
		r.handleNegotiationTimeout(peer, epoch)
	})

	r.wireConnection(peer, conn)
	r.attachLocalTracks(peer, conn)

	r.peers.Set(peerID, peer)
	r.metrics.peers.Inc()
	r.logger.WithFields(logrus.Fields{
		"peer":      peerID,
		"pcid":      peer.pcid,
		"initiator": initiator,
	}).Debugln("new peer connection")

	return peer, nil
}

// Get returns the record for peerID, when present.
func (r *Registry) Get(peerID string) (*Peer, bool) {
	record, exists := r.peers.Get(peerID)
	if !exists {
		return nil, false
	}
	return record.(*Peer), true
}

// Peers returns a snapshot of all records.
func (r *Registry) Peers() []*Peer {
	peers := make([]*Peer, 0, r.peers.Count())
	r.peers.IterCb(func(key string, record interface{}) {
		peers = append(peers, record.(*Peer))
	})
	return peers
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	return r.peers.Count()
}

// RemovePeer detaches all event callbacks, removes outgoing tracks, closes
// the native connection and purges the record. Removing an absent peer is a
// no-op.
func (r *Registry) RemovePeer(peerID string) {
	r.createMu.Lock()
	record, exists := r.peers.Pop(peerID)
	r.createMu.Unlock()
	if !exists {
		r.logger.WithField("peer", peerID).Debugln("remove of unknown peer ignored")
		return
	}
	peer := record.(*Peer)

	peer.Lock()
	peer.removed = true
	peer.cancel()
	peer.sm.forceStable()
	peer.stopGraceTimerLocked()
	peer.queue.clear()
	peer.candidates.drain()
	conn := peer.conn
	peer.Unlock()

	// Detach handlers first so teardown does not feed events back in.
	conn.OnTrack(nil)
	conn.OnICECandidate(nil)
	conn.OnConnectionStateChange(nil)
	conn.OnICEConnectionStateChange(nil)
	conn.OnICEGatheringStateChange(nil)
	conn.OnNegotiationNeeded(nil)

	for _, sender := range conn.Senders() {
		if removeErr := conn.RemoveTrack(sender); removeErr != nil {
			r.logger.WithError(removeErr).WithField("peer", peerID).Warnln("failed to remove outgoing track on teardown")
		}
	}
	if closeErr := conn.Close(); closeErr != nil {
		r.logger.WithError(closeErr).WithField("peer", peerID).Warnln("error while closing peer connection")
	}

	r.metrics.peers.Dec()
	r.logger.WithField("peer", peerID).Debugln("peer connection removed")
}

// HandleDisconnection reacts to a native connection state transition. A
// disconnected peer gets a grace period to come back, failed and closed
// peers are removed immediately.
func (r *Registry) HandleDisconnection(peerID string, state webrtc.PeerConnectionState) {
	peer, exists := r.Get(peerID)
	if !exists {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		peer.Lock()
		if peer.removed {
			peer.Unlock()
			return
		}
		if peer.graceTimer == nil {
			r.logger.WithField("peer", peerID).Debugln("peer disconnected, starting removal grace period")
			peer.graceTimer = time.AfterFunc(r.options.DisconnectGrace, func() {
				peer.Lock()
				// Clear the timer reference first, a later disconnect has to
				// be able to arm a fresh grace period.
				peer.graceTimer = nil
				stillGone := !peer.removed && peer.connectionState == webrtc.PeerConnectionStateDisconnected
				peer.Unlock()
				if stillGone {
					r.logger.WithField("peer", peerID).Infoln("peer still disconnected after grace period, removing")
					r.RemovePeer(peerID)
				}
			})
		}
		peer.Unlock()

	case webrtc.PeerConnectionStateConnected:
		peer.Lock()
		peer.stopGraceTimerLocked()
		peer.Unlock()

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		r.logger.WithFields(logrus.Fields{
			"peer":  peerID,
			"state": state,
		}).Infoln("peer connection lost, removing")
		r.RemovePeer(peerID)
	}
}

// SetLocalTracks stores the local media tracks and applies them to every
// existing peer connection. Same kind sender tracks are replaced in place,
// which preserves negotiation state. New kinds are added and trigger
// renegotiation.
func (r *Registry) SetLocalTracks(tracks []webrtc.TrackLocal) {
	r.tracksMu.Lock()
	r.localTracks = tracks
	r.tracksMu.Unlock()

	for _, peer := range r.Peers() {
		r.applyLocalTracks(peer, tracks)
	}
}

func (r *Registry) applyLocalTracks(peer *Peer, tracks []webrtc.TrackLocal) {
	peer.Lock()
	if peer.removed {
		peer.Unlock()
		return
	}
	conn := peer.conn

	added := false
	for _, track := range tracks {
		replaced := false
		for _, sender := range conn.Senders() {
			current := sender.Track()
			if current == nil || current.Kind() != track.Kind() {
				continue
			}
			if replaceErr := sender.ReplaceTrack(track); replaceErr != nil {
				r.dispatchError(peer.id, &TrackReplaceError{
					PeerID: peer.id,
					Kind:   track.Kind().String(),
					Err:    replaceErr,
				})
			}
			replaced = true
			break
		}
		if replaced {
			continue
		}
		if _, addErr := conn.AddTrack(track); addErr != nil {
			r.logger.WithError(addErr).WithFields(logrus.Fields{
				"peer": peer.id,
				"kind": track.Kind(),
			}).Errorln("failed to add local track to peer")
			r.dispatchError(peer.id, addErr)
			continue
		}
		added = true
	}

	if added && peer.initiator {
		peer.queue.push(&operation{
			kind:   operationRenegotiate,
			peerID: peer.id,
		})
		r.startProcessingLocked(peer)
	}
	peer.Unlock()

	if added && !peer.initiator {
		// The non initiating side never offers, renegotiation has to be
		// requested from the initiator by the application layer.
		if handler := r.handlers.OnNegotiationNeeded; handler != nil {
			go handler(peer.id)
		}
	}
}

func (r *Registry) attachLocalTracks(peer *Peer, conn rtc.Connection) {
	r.tracksMu.Lock()
	tracks := r.localTracks
	r.tracksMu.Unlock()

	for _, track := range tracks {
		if _, err := conn.AddTrack(track); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"peer": peer.id,
				"kind": track.Kind(),
			}).Errorln("failed to attach local track to new peer")
		}
	}
}

func (r *Registry) wireConnection(peer *Peer, conn rtc.Connection) {
	conn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			r.logger.WithField("peer", peer.id).Debugln("ICE gathering complete")
			return
		}
		init := candidate.ToJSON()
		if handler := r.handlers.OnICECandidate; handler != nil {
			handler(peer.id, init)
		}
		if sendErr := r.sender.SendICECandidate(peer.ctx, peer.id, init); sendErr != nil {
			r.logger.WithError(sendErr).WithField("peer", peer.id).Errorln("failed to send ICE candidate")
			r.dispatchError(peer.id, sendErr)
		}
	})

	conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if handler := r.handlers.OnTrack; handler != nil {
			handler(peer.id, track, receiver)
		}
	})

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		peer.Lock()
		if peer.removed || peer.conn != conn {
			peer.Unlock()
			return
		}
		peer.connectionState = state
		peer.Unlock()

		if handler := r.handlers.OnConnectionStateChange; handler != nil {
			go handler(peer.id, state)
		}
		r.HandleDisconnection(peer.id, state)
	})

	conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		peer.Lock()
		if peer.removed || peer.conn != conn {
			peer.Unlock()
			return
		}
		peer.iceConnectionState = state
		peer.Unlock()

		if handler := r.handlers.OnICEConnectionStateChange; handler != nil {
			go handler(peer.id, state)
		}
		if state == webrtc.ICEConnectionStateFailed {
			r.handleICEFailure(peer)
		}
	})

	conn.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		peer.Lock()
		if peer.removed || peer.conn != conn {
			peer.Unlock()
			return
		}
		peer.iceGatheringState = state
		peer.Unlock()
	})

	conn.OnNegotiationNeeded(func() {
		if handler := r.handlers.OnNegotiationNeeded; handler != nil {
			go handler(peer.id)
		}
		if peer.initiator {
			if err := r.EnqueueRenegotiate(peer.id); err != nil {
				r.logger.WithError(err).WithField("peer", peer.id).Warnln("failed to queue negotiation")
			}
		}
	})
}

func (r *Registry) handleICEFailure(peer *Peer) {
	if !peer.initiator {
		// The initiating side performs the ICE restart, both sides observe
		// the failure.
		return
	}
	r.logger.WithField("peer", peer.id).Warnln("ICE connection failed, attempting ICE restart")
	if err := r.EnqueueOffer(peer.id, true); err != nil {
		r.logger.WithError(err).WithField("peer", peer.id).Errorln("failed to queue ICE restart offer")
		r.dispatchError(peer.id, err)
	}
}

// EnqueueOffer queues creation of an offer towards peerID, optionally with
// an ICE restart.
func (r *Registry) EnqueueOffer(peerID string, iceRestart bool) error {
	return r.enqueue(&operation{
		kind:       operationOffer,
		peerID:     peerID,
		iceRestart: iceRestart,
	})
}

// EnqueueAnswer queues answering the provided remote offer.
func (r *Registry) EnqueueAnswer(peerID string, remoteOffer webrtc.SessionDescription) error {
	return r.enqueue(&operation{
		kind:        operationAnswer,
		peerID:      peerID,
		remoteOffer: &remoteOffer,
	})
}

// EnqueueRenegotiate queues a renegotiation offer towards peerID.
func (r *Registry) EnqueueRenegotiate(peerID string) error {
	return r.enqueue(&operation{
		kind:   operationRenegotiate,
		peerID: peerID,
	})
}

func (r *Registry) enqueue(op *operation) error {
	peer, exists := r.Get(op.peerID)
	if !exists {
		return &InvalidStateError{
			PeerID: op.peerID,
			Reason: "no connection for peer",
		}
	}

	peer.Lock()
	if peer.removed {
		peer.Unlock()
		return &InvalidStateError{
			PeerID: op.peerID,
			Reason: "peer is being removed",
		}
	}
	peer.queue.push(op)
	r.startProcessingLocked(peer)
	peer.Unlock()
	return nil
}

// startProcessingLocked triggers queue processing for the peer. Calling it
// while processing is already running is a no-op, the caller must hold the
// peer lock.
func (r *Registry) startProcessingLocked(peer *Peer) {
	if peer.queue.processing || peer.removed {
		return
	}
	peer.queue.processing = true
	go r.processQueue(peer)
}

func (r *Registry) processQueue(peer *Peer) {
	for {
		peer.Lock()
		if peer.removed || peer.sm.current() != NegotiationStateStable || peer.queue.size() == 0 {
			peer.queue.processing = false
			peer.Unlock()
			return
		}

		op := peer.queue.head()
		err := r.executeLocked(peer, op)
		if err == nil {
			peer.queue.pop()
			peer.Unlock()
			continue
		}

		// Failed attempt, reset the state machine so the peer stays usable
		// and retry at the head until the ceiling.
		peer.sm.forceStable()
		op.retries++
		if op.retries >= r.options.RetryLimit {
			peer.queue.pop()
			peer.Unlock()
			r.metrics.operationsDropped.Inc()
			r.logger.WithError(err).WithFields(logrus.Fields{
				"peer":      peer.id,
				"operation": op.kind,
				"retries":   op.retries,
			}).Errorln("negotiation operation dropped after retries")
			r.dispatchError(peer.id, err)
			continue
		}
		peer.Unlock()

		r.metrics.operationsRetried.Inc()
		r.logger.WithError(err).WithFields(logrus.Fields{
			"peer":      peer.id,
			"operation": op.kind,
			"attempt":   op.retries,
		}).Debugln("negotiation operation failed, retrying")

		select {
		case <-peer.ctx.Done():
			peer.Lock()
			peer.queue.processing = false
			peer.Unlock()
			return
		case <-time.After(r.options.RetryDelay):
		}
	}
}

func (r *Registry) executeLocked(peer *Peer, op *operation) error {
	switch op.kind {
	case operationOffer, operationRenegotiate:
		if err := peer.sm.begin(NegotiationStateCreatingOffer); err != nil {
			return err
		}
		r.metrics.negotiationsStarted.Inc()

		var offerOptions *webrtc.OfferOptions
		if op.iceRestart {
			offerOptions = &webrtc.OfferOptions{ICERestart: true}
		}
		description, err := peer.conn.CreateOffer(offerOptions)
		if err != nil {
			return fmt.Errorf("failed to create offer: %w", err)
		}
		if err = peer.conn.SetLocalDescription(description); err != nil {
			return fmt.Errorf("failed to set local offer description: %w", err)
		}
		peer.sm.advance(NegotiationStateWaitingForAnswer)
		if err = r.sender.SendOffer(peer.ctx, peer.id, description); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
		return nil

	case operationAnswer:
		if err := peer.sm.begin(NegotiationStateCreatingAnswer); err != nil {
			return err
		}
		r.metrics.negotiationsStarted.Inc()

		if err := peer.conn.SetRemoteDescription(*op.remoteOffer); err != nil {
			return fmt.Errorf("failed to set remote offer description: %w", err)
		}
		r.flushCandidatesLocked(peer)
		description, err := peer.conn.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err = peer.conn.SetLocalDescription(description); err != nil {
			return fmt.Errorf("failed to set local answer description: %w", err)
		}
		if err = r.sender.SendAnswer(peer.ctx, peer.id, description); err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}
		peer.sm.settle()
		return nil

	default:
		return fmt.Errorf("unknown operation kind %s", op.kind)
	}
}

// HandleAnswer applies a remote answer. Answers arriving while the peer is
// not waiting for one are rejected without mutating any state, which guards
// against stray and duplicate answers.
func (r *Registry) HandleAnswer(peerID string, answer webrtc.SessionDescription) error {
	peer, exists := r.Get(peerID)
	if !exists {
		return &InvalidStateError{
			PeerID: peerID,
			Reason: "no connection for peer",
		}
	}

	peer.Lock()
	if state := peer.sm.current(); state != NegotiationStateWaitingForAnswer {
		peer.Unlock()
		return &InvalidStateError{
			PeerID: peerID,
			State:  state,
			Reason: "no offer waiting for an answer",
		}
	}

	if err := peer.conn.SetRemoteDescription(answer); err != nil {
		peer.sm.forceStable()
		r.startProcessingLocked(peer)
		peer.Unlock()
		wrapped := fmt.Errorf("failed to set remote answer description: %w", err)
		r.dispatchError(peerID, wrapped)
		return wrapped
	}
	r.flushCandidatesLocked(peer)
	peer.sm.settle()
	r.startProcessingLocked(peer)
	peer.Unlock()

	r.logger.WithField("peer", peerID).Debugln("remote answer applied, negotiation complete")
	return nil
}

// HandleRemoteCandidate buffers or applies a remote ICE candidate. It never
// fails, candidates for unknown peers are dropped with a log line.
func (r *Registry) HandleRemoteCandidate(peerID string, candidate webrtc.ICECandidateInit) {
	peer, exists := r.Get(peerID)
	if !exists {
		r.logger.WithField("peer", peerID).Warnln("ICE candidate for unknown peer, dropped")
		return
	}

	if candidate.Candidate == "" {
		// Some clients send an empty candidate when their gathering ends.
		return
	}

	peer.Lock()
	if peer.removed {
		peer.Unlock()
		return
	}
	peer.candidates.enqueue(candidate)
	r.metrics.candidatesBuffered.Inc()
	r.flushCandidatesLocked(peer)
	peer.Unlock()
}

// flushCandidatesLocked applies buffered candidates in arrival order. It is
// a no-op while the peer has no remote description. Individual apply
// failures are reported and do not block the remaining candidates.
func (r *Registry) flushCandidatesLocked(peer *Peer) {
	if peer.conn.RemoteDescription() == nil {
		return
	}

	for _, candidate := range peer.candidates.drain() {
		if err := peer.conn.AddICECandidate(candidate); err != nil {
			applyErr := &ICEApplyError{PeerID: peer.id, Err: err}
			r.logger.WithError(err).WithField("peer", peer.id).Warnln("failed to apply buffered ICE candidate")
			r.dispatchError(peer.id, applyErr)
			continue
		}
		r.metrics.candidatesApplied.Inc()
	}
}

func (r *Registry) handleNegotiationTimeout(peer *Peer, epoch uint64) {
	peer.Lock()
	if peer.removed || epoch != peer.sm.epoch || peer.sm.current() == NegotiationStateStable {
		peer.Unlock()
		return
	}
	state := peer.sm.current()
	peer.sm.forceStable()
	r.startProcessingLocked(peer)
	peer.Unlock()

	r.metrics.negotiationsTimedOut.Inc()
	r.logger.WithFields(logrus.Fields{
		"peer":  peer.id,
		"state": state,
	}).Warnln("negotiation timed out, state reset")
	r.dispatchError(peer.id, &NegotiationTimeoutError{
		PeerID: peer.id,
		State:  state,
	})
}

// WriteRTCP writes RTCP packets towards peerID, used by the application
// layer to request key frames.
func (r *Registry) WriteRTCP(peerID string, packets []rtcp.Packet) error {
	peer, exists := r.Get(peerID)
	if !exists {
		return &InvalidStateError{
			PeerID: peerID,
			Reason: "no connection for peer",
		}
	}
	peer.RLock()
	conn := peer.conn
	peer.RUnlock()
	return conn.WriteRTCP(packets)
}

// Close removes every peer.
func (r *Registry) Close() {
	for _, peer := range r.Peers() {
		r.RemovePeer(peer.ID())
	}
}

func (r *Registry) dispatchError(peerID string, err error) {
	handler := r.handlers.OnError
	if handler == nil {
		return
	}
	go handler(peerID, err)
}
