/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

var readBufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// Options hold the runtime settings of a signaling client.
type Options struct {
	Logger     logrus.FieldLogger
	HTTPClient *http.Client

	// ID is the local participant id announced to the room on connect.
	ID string

	// Name is the optional display name carried by the join announcement.
	Name string

	// AuthToken is sent as token query parameter with the websocket
	// connect request.
	AuthToken string
}

// Client is a websocket signaling connection to a room. It decodes inbound
// envelopes and routes them to the Handler, and serializes outbound sends.
// Reconnecting is the caller's concern, Run returns on any terminal
// connection error.
type Client struct {
	logger logrus.FieldLogger

	uri        *url.URL
	id         string
	name       string
	authToken  string
	httpClient *http.Client

	handler Handler

	sendMu sync.Mutex
	conn   *websocket.Conn
}

// NewClient creates a signaling client for the provided room URI.
func NewClient(uri *url.URL, handler Handler, options *Options) (*Client, error) {
	if uri == nil {
		return nil, errors.New("uri cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if options == nil || options.ID == "" {
		return nil, errors.New("options require a participant id")
	}
	logger := options.Logger
	if logger == nil {
		return nil, errors.New("options require a logger")
	}
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		logger: logger.WithField("room", uri.String()),

		uri:        uri,
		id:         options.ID,
		name:       options.Name,
		authToken:  options.AuthToken,
		httpClient: httpClient,

		handler: handler,
	}, nil
}

// Run dials the signaling server, announces the join and pumps inbound
// messages until the context is cancelled or the connection fails. It always
// returns a non nil error describing why the connection ended.
func (c *Client) Run(ctx context.Context) error {
	uri := *c.uri
	if c.authToken != "" {
		query := uri.Query()
		query.Set("token", c.authToken)
		uri.RawQuery = query.Encode()
	}

	conn, _, err := websocket.Dial(ctx, uri.String(), &websocket.DialOptions{
		HTTPClient:   c.httpClient,
		Subprotocols: []string{"meshvc-signaling-v1"},
	})
	if err != nil {
		return fmt.Errorf("failed to connect signaling socket: %w", err)
	}
	conn.SetReadLimit(1 * 1024 * 1024)

	c.sendMu.Lock()
	c.conn = conn
	c.sendMu.Unlock()
	defer func() {
		c.sendMu.Lock()
		c.conn = nil
		c.sendMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.logger.Debugln("signaling socket connected")
	if err = c.Send(ctx, &Message{
		Type: TypeJoin,
		From: c.id,
		Name: c.name,
	}); err != nil {
		return fmt.Errorf("failed to announce join: %w", err)
	}

	return c.readPump(ctx, conn)
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		messageType, reader, err := conn.Reader(ctx)
		if err != nil {
			return fmt.Errorf("failed to read from signaling socket: %w", err)
		}
		if messageType != websocket.MessageText {
			c.logger.WithField("message_type", messageType).Warnln("unexpected websocket message type, ignored")
			continue
		}

		b := readBufferPool.Get().(*bytes.Buffer)
		b.Reset()
		if _, err = b.ReadFrom(reader); err != nil {
			readBufferPool.Put(b)
			return fmt.Errorf("failed to read websocket payload: %w", err)
		}

		var message Message
		err = json.Unmarshal(b.Bytes(), &message)
		readBufferPool.Put(b)
		if err != nil {
			c.logger.WithError(err).Warnln("failed to parse signaling message, ignored")
			continue
		}

		c.route(&message)
	}
}

func (c *Client) route(message *Message) {
	logger := c.logger.WithFields(logrus.Fields{
		"type": message.Type,
		"from": message.From,
	})

	switch message.Type {
	case TypeJoin:
		if err := c.handler.HandleJoin(message.From); err != nil {
			logger.WithError(err).Errorln("failed to handle join")
		}

	case TypeLeave:
		c.handler.HandleLeave(message.From)

	case TypeOffer:
		var description webrtc.SessionDescription
		if err := json.Unmarshal(message.Data, &description); err != nil {
			logger.WithError(err).Warnln("failed to parse offer payload, ignored")
			return
		}
		if err := c.handler.HandleOffer(message.From, description); err != nil {
			logger.WithError(err).Errorln("failed to handle offer")
		}

	case TypeAnswer:
		var description webrtc.SessionDescription
		if err := json.Unmarshal(message.Data, &description); err != nil {
			logger.WithError(err).Warnln("failed to parse answer payload, ignored")
			return
		}
		if err := c.handler.HandleAnswer(message.From, description); err != nil {
			logger.WithError(err).Warnln("remote answer rejected")
		}

	case TypeICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(message.Data, &candidate); err != nil {
			logger.WithError(err).Warnln("failed to parse candidate payload, ignored")
			return
		}
		c.handler.HandleICECandidate(message.From, candidate)

	case TypeTrackState:
		var state TrackStateData
		if err := json.Unmarshal(message.Data, &state); err != nil {
			logger.WithError(err).Warnln("failed to parse track state payload, ignored")
			return
		}
		c.handler.HandleTrackState(message.From, state.Kind, state.Enabled)

	default:
		logger.Debugln("unknown signaling message type, ignored")
	}
}

// Send writes a message to the signaling socket. Sends are serialized,
// concurrent callers are safe.
func (c *Client) Send(ctx context.Context, message *Message) error {
	if message.From == "" {
		message.From = c.id
	}
	b, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode signaling message: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.conn == nil {
		return errors.New("signaling socket is not connected")
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// SendOffer relays a local offer to the addressed peer.
func (c *Client) SendOffer(ctx context.Context, to string, description webrtc.SessionDescription) error {
	return c.sendWithData(ctx, TypeOffer, to, description)
}

// SendAnswer relays a local answer to the addressed peer.
func (c *Client) SendAnswer(ctx context.Context, to string, description webrtc.SessionDescription) error {
	return c.sendWithData(ctx, TypeAnswer, to, description)
}

// SendICECandidate relays a locally gathered ICE candidate to the addressed
// peer.
func (c *Client) SendICECandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error {
	return c.sendWithData(ctx, TypeICECandidate, to, candidate)
}

// SendTrackState announces a local mute or camera state change.
func (c *Client) SendTrackState(ctx context.Context, to string, kind string, enabled bool) error {
	return c.sendWithData(ctx, TypeTrackState, to, &TrackStateData{
		Kind:    kind,
		Enabled: enabled,
	})
}

// SendLeave announces the local participant leaving the room.
func (c *Client) SendLeave(ctx context.Context) error {
	return c.Send(ctx, &Message{
		Type: TypeLeave,
		From: c.id,
	})
}

func (c *Client) sendWithData(ctx context.Context, messageType string, to string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", messageType, err)
	}
	return c.Send(ctx, &Message{
		Type: messageType,
		To:   to,
		Data: b,
	})
}
