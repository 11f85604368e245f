/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	cfg "github.com/meshvc/meshvc/config"
)

// Manager handles signaling sessions, one per configured signaling URI.
type Manager struct {
	logger logrus.FieldLogger
	ctx    context.Context
	config *cfg.Config

	wg       sync.WaitGroup
	sessions cmap.ConcurrentMap
}

func NewManager(ctx context.Context, config *cfg.Config, uris []*url.URL) (*Manager, error) {
	m := &Manager{
		logger: config.Logger.WithField("manager", "sessions"),
		ctx:    ctx,
		config: config,

		sessions: cmap.New(),
	}

	for _, uri := range uris {
		if err := m.connect(uri); err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
	}

	return m, nil
}

func (m *Manager) connect(uri *url.URL) error {
	logger := m.logger
	ctx := m.ctx

	logger.WithField("url", uri).Infoln("creating signaling session")
	session, err := NewSession(m.config, uri)
	if err != nil {
		return err
	}
	m.sessions.Set(session.ID(), session)

	m.wg.Add(1)
	go func() {
		defer func() {
			logger.Debugln("signaling session runner stopped")
			m.wg.Done()
		}()
		logger.WithField("url", uri).Infoln("connecting to signaling service")
		runErr := session.Start(ctx) // Connect and reconnect, this blocks.
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.WithError(runErr).Warnln("signaling session stopped with error")
		}
	}()
	return nil
}

// Sessions returns a snapshot of all managed sessions.
func (m *Manager) Sessions() []*Session {
	sessions := make([]*Session, 0, m.sessions.Count())
	m.sessions.IterCb(func(key string, record interface{}) {
		sessions = append(sessions, record.(*Session))
	})
	return sessions
}

// GetSession returns the session with the provided id, when present.
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	record, exists := m.sessions.Get(sessionID)
	if !exists {
		return nil, false
	}
	return record.(*Session), true
}

func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) NumActive() uint64 {
	var active uint64
	for _, session := range m.Sessions() {
		active += session.NumActive()
	}
	return active
}
