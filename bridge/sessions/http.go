/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package sessions

import (
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	api "github.com/meshvc/meshvc/bridge/api-v0"
	"github.com/meshvc/meshvc/internal/mesh"
)

// SessionResource is the JSON shape of a session.
type SessionResource struct {
	ID        string `json:"id"`
	URI       string `json:"uri"`
	Connected bool   `json:"connected"`
	Peers     int    `json:"peers"`

	ConnectedSince *time.Time `json:"connectedSince,omitempty"`

	Tracks []*TrackResource `json:"tracks,omitempty"`
}

// PeerResource is the JSON shape of a single peer connection.
type PeerResource struct {
	ID        string `json:"id"`
	PCID      string `json:"pcid"`
	Initiator bool   `json:"initiator"`

	NegotiationState   mesh.NegotiationState `json:"negotiationState"`
	ConnectionState    string                `json:"connectionState"`
	ICEConnectionState string                `json:"iceConnectionState"`
	ICEGatheringState  string                `json:"iceGatheringState"`

	QueueSize          int `json:"queueSize"`
	BufferedCandidates int `json:"bufferedCandidates"`

	Since time.Time `json:"since"`
}

// TrackResource is the JSON shape of a running remote track pump.
type TrackResource struct {
	PeerID string `json:"peerId"`
	Kind   string `json:"kind"`
	SSRC   uint32 `json:"ssrc"`

	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`

	Since time.Time `json:"since"`
}

// Resource returns the session's introspection resource.
func (session *Session) Resource() *SessionResource {
	session.mutex.RLock()
	connected := session.orchestrator != nil
	connectedAt := session.connectedAt
	session.mutex.RUnlock()

	resource := &SessionResource{
		ID:        session.id,
		URI:       session.uri.String(),
		Connected: connected,
		Peers:     int(session.NumActive()),
	}
	if connected {
		resource.ConnectedSince = &connectedAt
	}

	session.tracks.IterCb(func(key string, value interface{}) {
		record := value.(*trackRecord)
		resource.Tracks = append(resource.Tracks, &TrackResource{
			PeerID: record.peerID,
			Kind:   record.kind,
			SSRC:   record.ssrc,

			Packets: atomic.LoadUint64(&record.packets),
			Bytes:   atomic.LoadUint64(&record.bytes),

			Since: record.since,
		})
	})
	sort.Slice(resource.Tracks, func(i, j int) bool {
		return resource.Tracks[i].Since.Before(resource.Tracks[j].Since)
	})

	return resource
}

func newPeerResource(peer *mesh.Peer) *PeerResource {
	return &PeerResource{
		ID:        peer.ID(),
		PCID:      peer.PCID(),
		Initiator: peer.Initiator(),

		NegotiationState:   peer.NegotiationState(),
		ConnectionState:    peer.ConnectionState().String(),
		ICEConnectionState: peer.ICEConnectionState().String(),
		ICEGatheringState:  peer.ICEGatheringState().String(),

		QueueSize:          peer.QueueSize(),
		BufferedCandidates: peer.BufferedCandidates(),

		Since: peer.When(),
	}
}

func (m *Manager) HTTPSessionsHandler(rw http.ResponseWriter, req *http.Request) {
	sessionID, _ := api.GetRequestVar(req, "sessionID")

	var resource interface{}
	if sessionID == "" {
		var sessions []interface{}

		for _, session := range m.Sessions() {
			sessions = append(sessions, session.Resource())
		}

		resource = api.NewCollectionResource(sessions, req, nil)
	} else {
		session := m.getSessionOrWriteError(sessionID, rw)
		if session == nil {
			return
		}
		resource = api.NewItemResource(session.Resource(), req)
	}

	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) HTTPSessionPeersHandler(rw http.ResponseWriter, req *http.Request) {
	sessionID, _ := api.GetRequestVar(req, "sessionID")

	session := m.getSessionOrWriteError(sessionID, rw)
	if session == nil {
		return
	}

	orchestrator := session.current()
	if orchestrator == nil {
		if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
			"ErrorMessageSessionNotConnected",
			"The specified session is not connected",
			api.ErrNotFound,
		)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json error")
		}
		return
	}

	peerID, _ := api.GetRequestVar(req, "peerID")

	var resource interface{}
	if peerID == "" {
		peers := orchestrator.Registry().Peers()
		sort.Slice(peers, func(i, j int) bool {
			return peers[i].ID() < peers[j].ID()
		})

		var values []interface{}
		for _, peer := range peers {
			values = append(values, newPeerResource(peer))
		}
		resource = api.NewCollectionResource(values, req, nil)
	} else {
		peer, exists := orchestrator.Registry().Get(peerID)
		if !exists {
			if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
				"ErrorMessagePeerNotfound",
				"The specified peer was not found",
				api.ErrNotFound,
			)); writeErr != nil {
				m.logger.WithError(writeErr).Errorln("failed to write json error")
			}
			return
		}
		resource = api.NewItemResource(newPeerResource(peer), req)
	}

	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) getSessionOrWriteError(sessionID string, rw http.ResponseWriter) *Session {
	session, exists := m.GetSession(sessionID)
	if !exists {
		if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
			"ErrorMessageSessionNotfound",
			"The specified session was not found",
			api.ErrNotFound,
		)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json error")
		}
		return nil
	}
	return session
}
