/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package sessions

import (
	"net/url"
	"os"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	cfg "github.com/meshvc/meshvc/config"
	"github.com/meshvc/meshvc/internal/signaling"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

var _ signaling.Handler = (*Session)(nil)

func newTestSession(t *testing.T) *Session {
	t.Helper()

	uri, err := url.Parse("ws://127.0.0.1:0/ws")
	if err != nil {
		t.Fatal(err)
	}
	session, err := NewSession(&cfg.Config{
		Logger: logger,

		ICEServers: []string{"stun:stun.l.google.com:19302"},
	}, uri)
	if err != nil {
		t.Fatal(err)
	}
	return session
}

func TestNewSession(t *testing.T) {
	session := newTestSession(t)

	if session.ID() == "" {
		t.Error("session has no id")
	}
	if session.NumActive() != 0 {
		t.Errorf("fresh session reports %d active peers", session.NumActive())
	}
}

func TestSessionHandlersAreSafeWhileDisconnected(t *testing.T) {
	session := newTestSession(t)

	// All inbound signaling is dropped without a running connection.
	if err := session.HandleJoin("peer-1"); err != nil {
		t.Error(err)
	}
	session.HandleLeave("peer-1")
	if err := session.HandleOffer("peer-1", webrtc.SessionDescription{}); err != nil {
		t.Error(err)
	}
	if err := session.HandleAnswer("peer-1", webrtc.SessionDescription{}); err != nil {
		t.Error(err)
	}
	session.HandleICECandidate("peer-1", webrtc.ICECandidateInit{})
	session.HandleTrackState("peer-1", "audio", true)
}

func TestSessionResource(t *testing.T) {
	session := newTestSession(t)

	resource := session.Resource()
	if resource.ID != session.ID() {
		t.Errorf("resource id mismatch: %s", resource.ID)
	}
	if resource.Connected {
		t.Error("fresh session reports connected")
	}
	if resource.Peers != 0 {
		t.Errorf("fresh session reports %d peers", resource.Peers)
	}
}
