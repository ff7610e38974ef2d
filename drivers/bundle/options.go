// Package bundle wires the built-in transport drivers to the connection
// configuration. The daemon resolves every configured connection through a
// named factory, so alternative builds can register their own drivers.
package bundle

import (
	"fmt"
	"sync"

	"github.com/timzifer/wsbridge/config"
	"github.com/timzifer/wsbridge/drivers/mqtt"
	"github.com/timzifer/wsbridge/drivers/websocket"
	"github.com/timzifer/wsbridge/transport"
)

const (
	websocketDriver = "websocket"
	mqttDriver      = "mqtt"
)

// Factory builds a dialer from one connection's driver settings.
type Factory func(conn config.ConnectionConfig) (transport.Dialer, error)

// Factories returns the bundled driver factories keyed by driver name.
func Factories() map[string]Factory {
	return map[string]Factory{
		websocketDriver: websocketFactory,
		mqttDriver:      mqttFactory,
	}
}

func websocketFactory(conn config.ConnectionConfig) (transport.Dialer, error) {
	var settings websocket.Settings
	if err := conn.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	return websocket.NewDialer(settings), nil
}

func mqttFactory(conn config.ConnectionConfig) (transport.Dialer, error) {
	var settings mqtt.Settings
	if err := conn.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	return mqtt.NewDialer(settings), nil
}

// Dialers resolves every connection to its dialer, keyed by endpoint. The
// returned slice preserves the configuration order of the endpoints.
func Dialers(conns []config.ConnectionConfig, factories map[string]Factory) (map[string]transport.Dialer, []string, error) {
	if factories == nil {
		factories = Factories()
	}
	dialers := make(map[string]transport.Dialer, len(conns))
	endpoints := make([]string, 0, len(conns))
	for _, conn := range conns {
		factory, ok := factories[conn.Driver]
		if !ok {
			return nil, nil, fmt.Errorf("connection %s: unknown driver %s", conn.ID, conn.Driver)
		}
		dialer, err := factory(conn)
		if err != nil {
			return nil, nil, err
		}
		if _, exists := dialers[conn.Endpoint]; exists {
			return nil, nil, fmt.Errorf("connection %s: endpoint %s already configured", conn.ID, conn.Endpoint)
		}
		dialers[conn.Endpoint] = dialer
		endpoints = append(endpoints, conn.Endpoint)
	}
	return dialers, endpoints, nil
}

// Table is a mutable endpoint-to-dialer map that satisfies the registry's
// dialer contract. Replacing the table contents affects future dials only,
// so a configuration reload never disturbs live bridges.
type Table struct {
	mu      sync.Mutex
	dialers map[string]transport.Dialer
}

// NewTable builds a table with the given initial entries.
func NewTable(dialers map[string]transport.Dialer) *Table {
	t := &Table{}
	t.Replace(dialers)
	return t
}

// Replace swaps the table contents.
func (t *Table) Replace(dialers map[string]transport.Dialer) {
	next := make(map[string]transport.Dialer, len(dialers))
	for endpoint, dialer := range dialers {
		next[endpoint] = dialer
	}
	t.mu.Lock()
	t.dialers = next
	t.mu.Unlock()
}

// Dialer returns the table as a transport.Dialer.
func (t *Table) Dialer() transport.Dialer {
	return func(endpoint string) (transport.Conn, error) {
		t.mu.Lock()
		dial, ok := t.dialers[endpoint]
		t.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no driver configured for endpoint %s", endpoint)
		}
		return dial(endpoint)
	}
}
