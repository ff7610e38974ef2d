package websocket

import "github.com/timzifer/wsbridge/config"

// Settings configures the websocket dialer.
type Settings struct {
	// HandshakeTimeout bounds the dial and upgrade handshake. Zero means no
	// timeout beyond the connect context.
	HandshakeTimeout config.Duration `yaml:"handshake_timeout,omitempty"`
}
