/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meshvc/meshvc/bridge/server"
	cfg "github.com/meshvc/meshvc/config"
)

const defaultListenAddr = "127.0.0.1:8677"

var (
	detectDeadlocks = true
)

func commandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start bridge and connect signaling sessions",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("listen", "", fmt.Sprintf("TCP listen address (default \"%s\")", defaultListenAddr))
	serveCmd.Flags().Bool("insecure", false, "Disable TLS certificate and hostname validation")
	serveCmd.Flags().Bool("log-timestamp", true, "Prefix each log line with timestamp")
	serveCmd.Flags().String("log-level", "info", "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().Bool("with-pprof", false, "With pprof enabled")
	serveCmd.Flags().String("pprof-listen", "127.0.0.1:6060", "TCP listen address for pprof")
	serveCmd.Flags().Bool("with-metrics", false, "Enable metrics")
	serveCmd.Flags().String("metrics-listen", "127.0.0.1:6677", "TCP listen address for metrics")
	serveCmd.Flags().StringArray("signaling-url", []string{"ws://127.0.0.1:8778/ws"}, "URL of signaling room to connect, defaults to ws://127.0.0.1:8778/ws")
	serveCmd.Flags().String("signaling-auth-token", "", "Opaque token sent with the signaling connect request")
	serveCmd.Flags().String("signaling-display-name", "", "Display name announced to signaling rooms on join")
	serveCmd.Flags().StringArray("ice-server", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, "STUN or TURN server URL to use for connectivity")
	serveCmd.Flags().StringArray("use-ice-if", nil, "Interface to use when gathering ICE candidates, all interfaces will be used if not set")
	serveCmd.Flags().StringArray("use-ice-network-type", nil, "ICE network type supported when gathering candidates, if not set all types (udp4, udp6, tcp4, tcp6) are enabled")
	serveCmd.Flags().String("use-ice-udp-port-range", "", "Range of ephemeral ports that ICE UDP connections can allocate from in format min:max, if not set its not limited")
	serveCmd.Flags().Int("max-peers", 0, "Maximum number of concurrent peer connections per session, 0 uses the built in default")
	serveCmd.Flags().Duration("negotiation-timeout", 0, "Upper bound for a single negotiation attempt, 0 uses the built in default")
	serveCmd.Flags().BoolVar(&detectDeadlocks, "with-deadlock-detector", detectDeadlocks, "Enable deadlock detection")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	logTimestamp, _ := cmd.Flags().GetBool("log-timestamp")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logger, err := newLogger(!logTimestamp, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}
	logger.Infoln("serve start")

	deadlock.Opts.Disable = !detectDeadlocks
	deadlock.Opts.DeadlockTimeout = 15 * time.Second
	if !deadlock.Opts.Disable {
		logger.Warnln("enabled automatic deadlock detector")
	}

	config := &cfg.Config{
		Logger: logger,
	}

	listenAddr, _ := cmd.Flags().GetString("listen")
	if listenAddr == "" {
		listenAddr = os.Getenv("MESHVCD_LISTEN")
	}
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	config.ListenAddr = listenAddr

	if signalingURLStrings, _ := cmd.Flags().GetStringArray("signaling-url"); signalingURLStrings != nil {
		config.SignalingURIs = make([]*url.URL, 0)
		for _, uriString := range signalingURLStrings {
			u, uriErr := url.Parse(uriString)
			if uriErr != nil {
				return fmt.Errorf("invalid signaling-url: %w", uriErr)
			}
			config.SignalingURIs = append(config.SignalingURIs, u)
		}
	}
	if len(config.SignalingURIs) == 0 {
		return fmt.Errorf("signaling-url required but not given")
	}

	config.SignalingAuthToken, _ = cmd.Flags().GetString("signaling-auth-token")
	if config.SignalingAuthToken == "" {
		config.SignalingAuthToken = os.Getenv("MESHVCD_SIGNALING_AUTH_TOKEN")
	}
	config.SignalingDisplayName, _ = cmd.Flags().GetString("signaling-display-name")

	if iceServerStrings, _ := cmd.Flags().GetStringArray("ice-server"); iceServerStrings != nil {
		config.ICEServers = iceServerStrings
	}
	if ICEInterfaceStrings, _ := cmd.Flags().GetStringArray("use-ice-if"); ICEInterfaceStrings != nil {
		config.ICEInterfaces = ICEInterfaceStrings
		logger.WithField("interfaces", config.ICEInterfaces).Infoln("limiting ICE interfaces")
	}
	if ICENetworkTypeStrings, _ := cmd.Flags().GetStringArray("use-ice-network-type"); ICENetworkTypeStrings != nil {
		config.ICENetworkTypes = ICENetworkTypeStrings
		logger.WithField("types", config.ICENetworkTypes).Infoln("limiting ICE network types")
	}
	if ICEEphemeralUDPPortRangeString, _ := cmd.Flags().GetString("use-ice-udp-port-range"); ICEEphemeralUDPPortRangeString != "" {
		ICEEphemeralUDPPortRangeMinMaxStrings := strings.SplitN(ICEEphemeralUDPPortRangeString, ":", 2)
		config.ICEEphemeralUDPPortRange = [2]uint16{10000, ^uint16(0)}
		if ICEEphemeralUDPPortRangeMinMaxStrings[0] != "" {
			if minPort, portErr := strconv.ParseUint(ICEEphemeralUDPPortRangeMinMaxStrings[0], 10, 16); portErr != nil {
				return fmt.Errorf("invalid min port value in use-ice-udp-port-range: %w", portErr)
			} else {
				config.ICEEphemeralUDPPortRange[0] = uint16(minPort)
			}
		}
		if len(ICEEphemeralUDPPortRangeMinMaxStrings) > 1 && ICEEphemeralUDPPortRangeMinMaxStrings[1] != "" {
			if maxPort, portErr := strconv.ParseUint(ICEEphemeralUDPPortRangeMinMaxStrings[1], 10, 16); portErr != nil {
				return fmt.Errorf("invalid max port value in use-ice-udp-port-range: %w", portErr)
			} else {
				if maxPort <= uint64(config.ICEEphemeralUDPPortRange[0]) {
					return fmt.Errorf("max port value in use-ice-udp-port-range must be higher than min port %d", config.ICEEphemeralUDPPortRange[0])
				}
				config.ICEEphemeralUDPPortRange[1] = uint16(maxPort)
			}
		}
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Infoln("limiting ICE port range")
	}

	config.MaxPeers, _ = cmd.Flags().GetInt("max-peers")
	config.NegotiationTimeout, _ = cmd.Flags().GetDuration("negotiation-timeout")

	var tlsClientConfig *tls.Config
	tlsInsecureSkipVerify, _ := cmd.Flags().GetBool("insecure")
	if tlsInsecureSkipVerify {
		// NOTE: This disables http2 client support, see golang/go#14275.
		tlsClientConfig = &tls.Config{
			InsecureSkipVerify: tlsInsecureSkipVerify,
		}
		logger.Warnln("insecure mode, TLS client connections are susceptible to man-in-the-middle attacks")
		logger.Debugln("http2 client support is disabled (insecure mode)")
	}
	config.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
				DualStack: true,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       tlsClientConfig,
		},
	}

	// Metrics support.
	config.WithMetrics, _ = cmd.Flags().GetBool("with-metrics")
	metricsListenAddr, _ := cmd.Flags().GetString("metrics-listen")
	if config.WithMetrics && metricsListenAddr != "" {
		reg := prometheus.NewPedanticRegistry()
		config.Metrics = prometheus.WrapRegistererWithPrefix("meshvcd_", reg)
		// Add the standard process and Go metrics to the custom registry.
		reg.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
		go func() {
			metricsListen := metricsListenAddr
			handler := http.NewServeMux()
			logger.WithField("listenAddr", metricsListen).Infoln("metrics enabled, starting listener")
			handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			listenErr := http.ListenAndServe(metricsListen, handler)
			if listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start metrics listener")
			}
		}()
	}

	srv, err := server.NewServer(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			listenErr := http.ListenAndServe(pprofListen, nil)
			if listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	logger.Infoln("serve started")
	return srv.Serve(ctx)
}
