// Package id provides centralized identifier generation for the agent.
//
// Trace and span identifiers are 128-bit ULIDs rendered as 32 lowercase hex
// characters, which keeps them:
//   - Globally unique: 80 bits of crypto/rand entropy per millisecond
//   - K-sortable: the leading 48 bits are the creation time
//   - OTLP compatible: the raw 16 bytes are a valid OTLP trace id
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// HexLength is the length of a rendered identifier.
const HexLength = 32

// Generator generates ULIDs from a shared entropy source.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
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

// Hex creates a new ULID rendered as lowercase hex.
func (g *Generator) Hex() string {
	u := g.Generate()
	return hex.EncodeToString(u[:])
}

// NewTraceID generates a trace identifier.
func NewTraceID() string {
	return Default().Hex()
}

// NewSpanID generates a span identifier.
func NewSpanID() string {
	return Default().Hex()
}

// IsValid reports whether s is a rendered 128-bit identifier.
func IsValid(s string) bool {
	_, err := Bytes(s)
	return err == nil
}

// Bytes decodes a rendered identifier into its 16 raw bytes.
func Bytes(s string) ([16]byte, error) {
	var out [16]byte
	if len(s) != HexLength {
		return out, fmt.Errorf("id must be %d hex characters, got %d", HexLength, len(s))
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return out, fmt.Errorf("invalid id %q: %w", s, err)
	}
	copy(out[:], b)
	return out, nil
}
