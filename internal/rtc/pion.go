/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	cfg "github.com/meshvc/meshvc/config"
)

// PionFactory creates pion backed connections from a shared setting engine
// and configuration.
type PionFactory struct {
	logger logrus.FieldLogger

	api           *webrtc.API
	configuration webrtc.Configuration
}

// NewPionFactory builds a factory from the provided config, applying the
// configured ICE interface filter, network type limits and ephemeral UDP
// port range to the pion setting engine.
func NewPionFactory(config *cfg.Config, logger logrus.FieldLogger) (*PionFactory, error) {
	s := webrtc.SettingEngine{
		LoggerFactory: &loggerFactory{logger},
	}

	if len(config.ICEInterfaces) > 0 {
		logger.WithField("interfaces", config.ICEInterfaces).Debugln("enabling ICE interface filter")
		iceInterfaceFilterMap := make(map[string]bool)
		for _, ifName := range config.ICEInterfaces {
			iceInterfaceFilterMap[ifName] = true
		}
		s.SetInterfaceFilter(func(i string) bool {
			return iceInterfaceFilterMap[i]
		})
	}

	if len(config.ICENetworkTypes) > 0 {
		networkTypes := make([]webrtc.NetworkType, 0)
		for _, networkTypeString := range config.ICENetworkTypes {
			var nt webrtc.NetworkType
			switch strings.ToLower(networkTypeString) {
			case "udp4":
				nt = webrtc.NetworkTypeUDP4
			case "udp6":
				nt = webrtc.NetworkTypeUDP6
			case "tcp4":
				nt = webrtc.NetworkTypeTCP4
			case "tcp6":
				nt = webrtc.NetworkTypeTCP6
			default:
				logger.WithField("type", networkTypeString).Warnln("unsupported network type, skipped")
				continue
			}
			networkTypes = append(networkTypes, nt)
		}
		if len(networkTypes) == 0 {
			logger.Errorln("ICE candidate network type list is empty, continuing anyway")
		}
		logger.WithField("types", networkTypes).Debugln("enabling limit of ICE candidate network type")
		s.SetNetworkTypes(networkTypes)
	}

	if config.ICEEphemeralUDPPortRange[1] != 0 {
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Debugln("limiting ICE ports")
		if err := s.SetEphemeralUDPPortRange(config.ICEEphemeralUDPPortRange[0], config.ICEEphemeralUDPPortRange[1]); err != nil {
			return nil, fmt.Errorf("failed to set ICE port range: %w", err)
		}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	iceServers := make([]webrtc.ICEServer, 0)
	for _, urlString := range config.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{urlString},
		})
	}

	factory := &PionFactory{
		logger: logger,

		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		configuration: webrtc.Configuration{
			ICEServers:   iceServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
	}

	return factory, nil
}

// NewConnection implements Factory.
func (factory *PionFactory) NewConnection() (Connection, error) {
	pc, err := factory.api.NewPeerConnection(factory.configuration)
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %w", err)
	}

	return &pionConnection{pc: pc}, nil
}

type pionConnection struct {
	pc *webrtc.PeerConnection
}

func (c *pionConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(options)
}

func (c *pionConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(options)
}

func (c *pionConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(description)
}

func (c *pionConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(description)
}

func (c *pionConnection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConnection) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return &pionSender{sender: sender}, nil
}

func (c *pionConnection) RemoveTrack(sender Sender) error {
	pionSender, ok := sender.(*pionSender)
	if !ok {
		return fmt.Errorf("sender is not a pion sender")
	}
	return c.pc.RemoveTrack(pionSender.sender)
}

func (c *pionConnection) Senders() []Sender {
	rtpSenders := c.pc.GetSenders()
	senders := make([]Sender, 0, len(rtpSenders))
	for _, rtpSender := range rtpSenders {
		senders = append(senders, &pionSender{sender: rtpSender})
	}
	return senders
}

func (c *pionConnection) WriteRTCP(packets []rtcp.Packet) error {
	return c.pc.WriteRTCP(packets)
}

func (c *pionConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConnection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *pionConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

func (c *pionConnection) ICEGatheringState() webrtc.ICEGatheringState {
	return c.pc.ICEGatheringState()
}

func (c *pionConnection) OnTrack(handler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.pc.OnTrack(handler)
}

func (c *pionConnection) OnICECandidate(handler func(candidate *webrtc.ICECandidate)) {
	c.pc.OnICECandidate(handler)
}

func (c *pionConnection) OnConnectionStateChange(handler func(state webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(handler)
}

func (c *pionConnection) OnICEConnectionStateChange(handler func(state webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(handler)
}

func (c *pionConnection) OnICEGatheringStateChange(handler func(state webrtc.ICEGatheringState)) {
	c.pc.OnICEGatheringStateChange(handler)
}

func (c *pionConnection) OnNegotiationNeeded(handler func()) {
	c.pc.OnNegotiationNeeded(handler)
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

func (s *pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}
