// Package config decodes the "mapping from protocol tag to QUIC
// configuration" spec §6 names into engine.Config values. JSON is the
// format, matching how the teacher's handler registry decodes
// per-handler configuration from json.RawMessage.
package config

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"quic-listener-core/engine"
)

// ErrClientConfig is returned by Build when an entry has is_client set;
// spec §6 requires it to be false for a listener.
var ErrClientConfig = errors.New("config: is_client must be false for a listener configuration")

// WireConfig is the JSON shape of one protocol tag's entry: supported
// versions, TLS material (as file paths, resolved by Build), and
// transport parameters.
type WireConfig struct {
	SupportedVersions    []uint32 `json:"supported_versions"`
	CertificatePath      string   `json:"certificate"`
	PrivateKeyPath       string   `json:"private_key"`
	ALPNProtocols        []string `json:"alpn_protocols"`
	IsClient             bool     `json:"is_client"`
	MaxIdleTimeoutSeconds int     `json:"max_idle_timeout_seconds"`
}

// Registry maps a protocol tag (e.g. an ALPN identifier) to its
// WireConfig, the way the teacher's handler registry maps a handler
// name to its factory.
type Registry map[string]WireConfig

// Parse decodes a Registry from raw JSON.
func Parse(raw []byte) (Registry, error) {
	var reg Registry
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return reg, nil
}

// Build resolves the named entry into an engine.Config, loading its
// certificate and key from disk. Returns an error if the tag is
// unknown or the entry requests a client configuration.
func (r Registry) Build(protocolTag string) (*engine.Config, error) {
	wc, ok := r[protocolTag]
	if !ok {
		return nil, fmt.Errorf("config: unknown protocol tag %q", protocolTag)
	}
	if wc.IsClient {
		return nil, ErrClientConfig
	}

	var cert engine.Certificate
	if wc.CertificatePath != "" {
		certPEM, err := os.ReadFile(wc.CertificatePath)
		if err != nil {
			return nil, fmt.Errorf("config: read certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(wc.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("config: read private key: %w", err)
		}
		if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
			return nil, fmt.Errorf("config: invalid certificate/key pair: %w", err)
		}
		cert = engine.Certificate{CertPEM: certPEM, KeyPEM: keyPEM}
	}

	return &engine.Config{
		SupportedVersions: wc.SupportedVersions,
		Certificate:       cert,
		ALPNProtocols:     wc.ALPNProtocols,
		IsClient:          false,
		Params: engine.TransportParams{
			MaxIdleTimeout: time.Duration(wc.MaxIdleTimeoutSeconds) * time.Second,
		},
	}, nil
}

// Tags returns every protocol tag the registry knows about.
func (r Registry) Tags() []string {
	tags := make([]string, 0, len(r))
	for tag := range r {
		tags = append(tags, tag)
	}
	return tags
}
