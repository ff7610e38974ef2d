package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/timzifer/wsbridge/config"
)

// AuthSettings carries broker credentials.
type AuthSettings struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSSettings configures the broker TLS handshake.
type TLSSettings struct {
	Enabled            bool     `yaml:"enabled"`
	CAFile             string   `yaml:"ca_file,omitempty"`
	CertFile           string   `yaml:"cert_file,omitempty"`
	KeyFile            string   `yaml:"key_file,omitempty"`
	ServerName         string   `yaml:"server_name,omitempty"`
	ALPN               []string `yaml:"alpn,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify,omitempty"`
}

// Settings describes an MQTT backed duplex channel: outbound messages go to
// PublishTopic, inbound messages arrive on SubscribeTopic.
type Settings struct {
	Broker         string           `yaml:"broker,omitempty"`
	ClientID       string           `yaml:"client_id,omitempty"`
	PublishTopic   string           `yaml:"publish_topic"`
	SubscribeTopic string           `yaml:"subscribe_topic"`
	QoS            byte             `yaml:"qos,omitempty"`
	CleanSession   *bool            `yaml:"clean_session,omitempty"`
	KeepAlive      *config.Duration `yaml:"keep_alive,omitempty"`
	ConnectTimeout *config.Duration `yaml:"connect_timeout,omitempty"`
	Auth           *AuthSettings    `yaml:"auth,omitempty"`
	TLS            *TLSSettings     `yaml:"tls,omitempty"`
}

// Validate checks the settings for a usable duplex channel.
func (s Settings) Validate() error {
	if s.Broker == "" {
		return errors.New("mqtt: broker address is required")
	}
	if s.PublishTopic == "" {
		return errors.New("mqtt: publish_topic is required")
	}
	if s.SubscribeTopic == "" {
		return errors.New("mqtt: subscribe_topic is required")
	}
	if s.QoS > 2 {
		return fmt.Errorf("mqtt: invalid qos %d", s.QoS)
	}
	return nil
}

func buildTLSConfig(settings TLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: settings.InsecureSkipVerify}
	if settings.ServerName != "" {
		cfg.ServerName = settings.ServerName
	}
	if len(settings.ALPN) > 0 {
		cfg.NextProtos = append([]string(nil), settings.ALPN...)
	}

	if settings.CAFile != "" {
		ca, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("mqtt: parse ca file %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}

	if settings.CertFile != "" && settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
