// Package id provides ID generation for the gateway.
//
// All generated IDs are prefixed ULIDs:
//   - Lexicographic sortability: session listings come back in creation order
//   - Prefixed types: term_*, req_*, gw_* make logs readable (conn_* wraps a UUID)
//   - Type safety: separate string types prevent mixing a connection ID with a session ID
//
// Session IDs may also be chosen by callers (lazy creation on first connect),
// so ValidateSessionID accepts any short URL-safe token, not only ULIDs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionID identifies a terminal session across all gateway instances
type SessionID string

// ConnID identifies one live WebSocket connection
type ConnID string

// RequestID identifies an API request or trace span
type RequestID string

// GatewayID identifies one running gateway instance
type GatewayID string

const (
	SessionPrefix = "term"
	ConnPrefix    = "conn"
	RequestPrefix = "req"
	GatewayPrefix = "gw"
)

// MaxSessionIDLength bounds caller-supplied session IDs
const MaxSessionIDLength = 128

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSessionID generates a new terminal session ID
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewConnID generates a new connection ID. Connections are never sorted,
// so a random UUID is enough.
func NewConnID() ConnID {
	return ConnID(ConnPrefix + "_" + uuid.NewString())
}

// NewRequestID generates a new request ID
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewGatewayID generates a new gateway instance ID
func NewGatewayID() GatewayID {
	return GatewayID(Default().GenerateWithPrefix(GatewayPrefix))
}

func (id SessionID) String() string { return string(id) }
func (id ConnID) String() string    { return string(id) }
func (id RequestID) String() string { return string(id) }
func (id GatewayID) String() string { return string(id) }

// ValidateSessionID checks a caller-supplied session ID.
func ValidateSessionID(s string) error {
	if s == "" {
		return fmt.Errorf("session id is required")
	}
	if len(s) > MaxSessionIDLength {
		return fmt.Errorf("session id exceeds %d characters", MaxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(s) {
		return fmt.Errorf("session id contains invalid characters")
	}
	return nil
}
