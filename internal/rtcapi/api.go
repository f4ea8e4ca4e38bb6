// Package rtcapi constructs the pion WebRTC API used by the calling client.
package rtcapi

import (
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// Options controls API construction. The zero value produces a production
// API using the host network and pion's default logger.
type Options struct {
	// Net overrides the network stack, letting tests run calls over
	// pion's virtual network instead of real sockets.
	Net transport.Net

	// LoggerFactory routes pion's internal logging. Defaults to pion's
	// own stderr logger.
	LoggerFactory logging.LoggerFactory

	// ICETimeouts overrides pion's ICE liveness timeouts. Nil keeps the
	// defaults; tests simulating outages need much shorter ones.
	ICETimeouts *ICETimeouts
}

// ICETimeouts mirrors SettingEngine.SetICETimeouts.
type ICETimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	Keepalive    time.Duration
}

// New builds a webrtc.API with the default media codecs registered. Video
// calls negotiate whatever browser and client both support out of that set.
func New(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if t := opts.ICETimeouts; t != nil {
		se.SetICETimeouts(t.Disconnected, t.Failed, t.Keepalive)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// Configuration builds the PeerConnection configuration for the given STUN
// URLs, typically fetched from the relay's ICE config endpoint.
func Configuration(stunURLs []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return cfg
}
