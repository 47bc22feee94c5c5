package meshberry

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/blockberries/meshberry/pkg/identity"
	"github.com/blockberries/meshberry/pkg/topology"
)

// Default configuration values.
const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultIdleTimeout           = 2 * time.Minute
	DefaultKeepAlive             = 15 * time.Second
	DefaultDrainGrace            = 5 * time.Second
	DefaultBackoffMin            = 500 * time.Millisecond
	DefaultBackoffMax            = 30 * time.Second
	DefaultStabilityWindow       = time.Minute
	DefaultMaxConcurrentRequests = 256
	DefaultMaxFrameSize          = 8 << 20
	DefaultEventBufferSize       = 128
)

// Sentinel errors for configuration.
var (
	// ErrMissingPrivateKey indicates no private key or credentials were
	// provided.
	ErrMissingPrivateKey = errors.New("private key is required")

	// ErrMissingListenAddr indicates no listen address was provided.
	ErrMissingListenAddr = errors.New("listen address is required")

	// ErrMissingTopology indicates no topology source was provided.
	ErrMissingTopology = errors.New("topology source is required")

	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds the configuration for a Transport.
type Config struct {
	// PrivateKey is the Ed25519 private key backing this node's identity.
	// A self-signed certificate is minted from it unless Credentials is
	// set explicitly.
	PrivateKey ed25519.PrivateKey

	// Credentials, when non-nil, overrides PrivateKey with an existing TLS
	// certificate. The NodeID is derived from its leaf public key.
	Credentials *identity.Credentials

	// ListenAddr is the UDP host:port the QUIC listener binds. Required.
	ListenAddr string

	// Topology supplies membership snapshots. Required.
	Topology topology.Source

	// Verifier authenticates peer certificates. Nil means
	// identity.KeyHashVerifier: any chain is accepted and the identity is
	// the leaf key hash.
	Verifier identity.Verifier

	// Attestation validates peer attestation tokens after the TLS
	// handshake. Nil accepts every authenticated peer.
	Attestation identity.AttestationChecker

	// AttestationToken is presented to peers during the hello exchange.
	AttestationToken []byte

	// DialTimeout bounds one dial attempt including the hello exchange.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the QUIC+TLS handshake.
	HandshakeTimeout time.Duration

	// IdleTimeout closes connections with no activity; the reconciler
	// redials them with backoff.
	IdleTimeout time.Duration

	// KeepAlive is the QUIC keepalive period. Set below IdleTimeout to
	// hold connections open through quiet periods.
	KeepAlive time.Duration

	// DrainGrace bounds how long Stop waits for in-flight requests.
	DrainGrace time.Duration

	// BackoffMin and BackoffMax bound redial delays; StabilityWindow is
	// how long a connection must last to reset the failure streak.
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	StabilityWindow time.Duration

	// MaxConcurrentRequests bounds simultaneously open outbound streams
	// per peer. Callers block until a slot frees.
	MaxConcurrentRequests int

	// MaxFrameSize bounds inbound framed payloads.
	MaxFrameSize uint32

	// EventBufferSize is the default per-subscriber event buffer.
	EventBufferSize int

	// TopologyCachePath, when set, persists the last applied snapshot to
	// disk for diagnostics and warm starts. The cache is never
	// authoritative; live snapshots replace it as they arrive.
	TopologyCachePath string

	// Logger is the logger for the transport. If nil, a NopLogger is used.
	Logger Logger

	// Metrics is the metrics collector. If nil, a NopMetrics is used.
	Metrics Metrics
}

// Validate checks that the configuration is valid and returns an error
// describing any problems found.
func (c *Config) Validate() error {
	if c.Credentials == nil {
		if c.PrivateKey == nil {
			return ErrMissingPrivateKey
		}
		if len(c.PrivateKey) != ed25519.PrivateKeySize {
			return fmt.Errorf("%w: private key must be %d bytes, got %d",
				ErrInvalidConfig, ed25519.PrivateKeySize, len(c.PrivateKey))
		}
	}
	if c.ListenAddr == "" {
		return ErrMissingListenAddr
	}
	if c.Topology == nil {
		return ErrMissingTopology
	}
	for name, d := range map[string]time.Duration{
		"dial timeout":      c.DialTimeout,
		"handshake timeout": c.HandshakeTimeout,
		"idle timeout":      c.IdleTimeout,
		"keepalive":         c.KeepAlive,
		"drain grace":       c.DrainGrace,
		"backoff min":       c.BackoffMin,
		"backoff max":       c.BackoffMax,
		"stability window":  c.StabilityWindow,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s cannot be negative", ErrInvalidConfig, name)
		}
	}
	if c.BackoffMax > 0 && c.BackoffMin > 0 && c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("%w: backoff max cannot be less than backoff min", ErrInvalidConfig)
	}
	if c.MaxConcurrentRequests < 0 {
		return fmt.Errorf("%w: max concurrent requests cannot be negative", ErrInvalidConfig)
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("%w: event buffer size cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// applyDefaults sets default values for any unset optional fields.
func (c *Config) applyDefaults() {
	if c.Verifier == nil {
		c.Verifier = identity.KeyHashVerifier{}
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.StabilityWindow == 0 {
		c.StabilityWindow = DefaultStabilityWindow
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
}

// ConfigOption is a functional option for configuring a Transport.
type ConfigOption func(*Config)

// WithVerifier sets the identity verifier.
func WithVerifier(v identity.Verifier) ConfigOption {
	return func(c *Config) { c.Verifier = v }
}

// WithAttestation sets the attestation checker and the local token
// presented to peers.
func WithAttestation(checker identity.AttestationChecker, token []byte) ConfigOption {
	return func(c *Config) {
		c.Attestation = checker
		c.AttestationToken = token
	}
}

// WithDialTimeout sets the per-attempt dial timeout.
func WithDialTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.DialTimeout = d }
}

// WithIdleTimeout sets the connection idle timeout.
func WithIdleTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.IdleTimeout = d }
}

// WithBackoff sets the redial backoff bounds and stability window.
func WithBackoff(min, max, stability time.Duration) ConfigOption {
	return func(c *Config) {
		c.BackoffMin = min
		c.BackoffMax = max
		c.StabilityWindow = stability
	}
}

// WithMaxConcurrentRequests bounds simultaneously open outbound streams
// per peer.
func WithMaxConcurrentRequests(n int) ConfigOption {
	return func(c *Config) { c.MaxConcurrentRequests = n }
}

// WithMaxFrameSize bounds inbound framed payloads.
func WithMaxFrameSize(n uint32) ConfigOption {
	return func(c *Config) { c.MaxFrameSize = n }
}

// WithEventBufferSize sets the default per-subscriber event buffer.
func WithEventBufferSize(n int) ConfigOption {
	return func(c *Config) { c.EventBufferSize = n }
}

// WithTopologyCache persists the last applied snapshot at path.
func WithTopologyCache(path string) ConfigOption {
	return func(c *Config) { c.TopologyCachePath = path }
}

// WithLogger sets the logger. It must be safe for concurrent use.
func WithLogger(l Logger) ConfigOption {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics sets the metrics collector. It must be safe for concurrent
// use.
func WithMetrics(m Metrics) ConfigOption {
	return func(c *Config) { c.Metrics = m }
}

// NewConfig creates a Config with the required fields and applies any
// provided options. It applies defaults for unset optional fields but does
// not validate the configuration.
func NewConfig(
	privateKey ed25519.PrivateKey,
	listenAddr string,
	source topology.Source,
	opts ...ConfigOption,
) *Config {
	c := &Config{
		PrivateKey: privateKey,
		ListenAddr: listenAddr,
		Topology:   source,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.applyDefaults()
	return c
}
