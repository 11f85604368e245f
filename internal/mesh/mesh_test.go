/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/meshvc/meshvc/internal/rtc"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// fakeConnection implements rtc.Connection without a network stack. Candidate
// application is gated on the remote description like the native
// implementation does.
type fakeConnection struct {
	mutex sync.Mutex

	localDescription  *webrtc.SessionDescription
	remoteDescription *webrtc.SessionDescription

	appliedCandidates []webrtc.ICECandidateInit
	failCandidates    map[string]bool

	senders []*fakeSender
	closed  bool

	offerCount  int
	answerCount int

	createOfferErrs  []error
	createAnswerErrs []error
	setRemoteErr     error

	lastOfferOptions *webrtc.OfferOptions

	onTrack                    func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onICECandidate             func(candidate *webrtc.ICECandidate)
	onConnectionStateChange    func(state webrtc.PeerConnectionState)
	onICEConnectionStateChange func(state webrtc.ICEConnectionState)
	onICEGatheringStateChange  func(state webrtc.ICEGatheringState)
	onNegotiationNeeded        func()
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		failCandidates: make(map[string]bool),
	}
}

func (c *fakeConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastOfferOptions = options
	if len(c.createOfferErrs) > 0 {
		err := c.createOfferErrs[0]
		c.createOfferErrs = c.createOfferErrs[1:]
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	c.offerCount++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-%d", c.offerCount),
	}, nil
}

func (c *fakeConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.createAnswerErrs) > 0 {
		err := c.createAnswerErrs[0]
		c.createAnswerErrs = c.createAnswerErrs[1:]
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	c.answerCount++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer-%d", c.answerCount),
	}, nil
}

func (c *fakeConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.localDescription = &description
	return nil
}

func (c *fakeConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.setRemoteErr != nil {
		return c.setRemoteErr
	}
	c.remoteDescription = &description
	return nil
}

func (c *fakeConnection) RemoteDescription() *webrtc.SessionDescription {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.remoteDescription
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.remoteDescription == nil {
		return errors.New("no remote description")
	}
	if c.failCandidates[candidate.Candidate] {
		return errors.New("candidate rejected")
	}
	c.appliedCandidates = append(c.appliedCandidates, candidate)
	return nil
}

func (c *fakeConnection) AddTrack(track webrtc.TrackLocal) (rtc.Sender, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	sender := &fakeSender{track: track}
	c.senders = append(c.senders, sender)
	return sender, nil
}

func (c *fakeConnection) RemoveTrack(sender rtc.Sender) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for i, s := range c.senders {
		if s == sender {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (c *fakeConnection) Senders() []rtc.Sender {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	senders := make([]rtc.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		senders = append(senders, s)
	}
	return senders
}

func (c *fakeConnection) WriteRTCP(packets []rtcp.Packet) error {
	return nil
}

func (c *fakeConnection) SignalingState() webrtc.SignalingState {
	return webrtc.SignalingStateStable
}

func (c *fakeConnection) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (c *fakeConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}

func (c *fakeConnection) ICEGatheringState() webrtc.ICEGatheringState {
	return webrtc.ICEGatheringStateNew
}

func (c *fakeConnection) OnTrack(handler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onTrack = handler
}

func (c *fakeConnection) OnICECandidate(handler func(candidate *webrtc.ICECandidate)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onICECandidate = handler
}

func (c *fakeConnection) OnConnectionStateChange(handler func(state webrtc.PeerConnectionState)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onConnectionStateChange = handler
}

func (c *fakeConnection) OnICEConnectionStateChange(handler func(state webrtc.ICEConnectionState)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onICEConnectionStateChange = handler
}

func (c *fakeConnection) OnICEGatheringStateChange(handler func(state webrtc.ICEGatheringState)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onICEGatheringStateChange = handler
}

func (c *fakeConnection) OnNegotiationNeeded(handler func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onNegotiationNeeded = handler
}

func (c *fakeConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

func (c *fakeConnection) offers() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.offerCount
}

func (c *fakeConnection) applied() []webrtc.ICECandidateInit {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	applied := make([]webrtc.ICECandidateInit, len(c.appliedCandidates))
	copy(applied, c.appliedCandidates)
	return applied
}

// fire helpers invoke wired callbacks outside the fake's lock, like the
// native implementation does from its own goroutines.

func (c *fakeConnection) fireConnectionStateChange(state webrtc.PeerConnectionState) {
	c.mutex.Lock()
	handler := c.onConnectionStateChange
	c.mutex.Unlock()
	if handler != nil {
		handler(state)
	}
}

func (c *fakeConnection) fireICEConnectionStateChange(state webrtc.ICEConnectionState) {
	c.mutex.Lock()
	handler := c.onICEConnectionStateChange
	c.mutex.Unlock()
	if handler != nil {
		handler(state)
	}
}

func (c *fakeConnection) fireNegotiationNeeded() {
	c.mutex.Lock()
	handler := c.onNegotiationNeeded
	c.mutex.Unlock()
	if handler != nil {
		handler()
	}
}

type fakeSender struct {
	mutex sync.Mutex
	track webrtc.TrackLocal

	replaceErr error
	replaced   int
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.track = track
	s.replaced++
	return nil
}

type fakeFactory struct {
	mutex sync.Mutex
	conns []*fakeConnection
	err   error
}

func (f *fakeFactory) NewConnection() (rtc.Connection, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	conn := newFakeConnection()
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConnection {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.conns[i]
}

type sentMessage struct {
	kind        string
	to          string
	description webrtc.SessionDescription
	candidate   webrtc.ICECandidateInit
}

type fakeSignaler struct {
	mutex sync.Mutex
	sent  []sentMessage

	offerErrs []error
}

func (s *fakeSignaler) SendOffer(ctx context.Context, to string, description webrtc.SessionDescription) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.offerErrs) > 0 {
		err := s.offerErrs[0]
		s.offerErrs = s.offerErrs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, sentMessage{kind: "offer", to: to, description: description})
	return nil
}

func (s *fakeSignaler) SendAnswer(ctx context.Context, to string, description webrtc.SessionDescription) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sent = append(s.sent, sentMessage{kind: "answer", to: to, description: description})
	return nil
}

func (s *fakeSignaler) SendICECandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sent = append(s.sent, sentMessage{kind: "ice-candidate", to: to, candidate: candidate})
	return nil
}

func (s *fakeSignaler) SendTrackState(ctx context.Context, to string, kind string, enabled bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sent = append(s.sent, sentMessage{kind: "track-state", to: to})
	return nil
}

func (s *fakeSignaler) messages(kind string) []sentMessage {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var messages []sentMessage
	for _, message := range s.sent {
		if message.kind == kind {
			messages = append(messages, message)
		}
	}
	return messages
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (track *fakeTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}

func (track *fakeTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	return nil
}

func (track *fakeTrack) ID() string {
	return track.id
}

func (track *fakeTrack) RID() string {
	return ""
}

func (track *fakeTrack) StreamID() string {
	return "test"
}

func (track *fakeTrack) Kind() webrtc.RTPCodecType {
	return track.kind
}

type errorRecorder struct {
	mutex  sync.Mutex
	errors []error
}

func (r *errorRecorder) record(peerID string, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.errors = append(r.errors, err)
}

func (r *errorRecorder) all() []error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	errs := make([]error, len(r.errors))
	copy(errs, r.errors)
	return errs
}

func newTestRegistry(t *testing.T, modify func(options *Options)) (*Registry, *fakeFactory, *fakeSignaler) {
	t.Helper()

	factory := &fakeFactory{}
	signaler := &fakeSignaler{}
	options := &Options{
		Logger:  logger,
		Factory: factory,

		RetryDelay: 2 * time.Millisecond,
	}
	if modify != nil {
		modify(options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry, err := NewRegistry(ctx, options, signaler)
	if err != nil {
		t.Fatal(err)
	}
	return registry, factory, signaler
}
