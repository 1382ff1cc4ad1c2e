package engine

import (
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TokenGenerator mints the pass tokens that correlate trace events and
// journal rows belonging to one propagation pass.
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator is the production generator. UUIDv7 tokens sort by
// creation time, so journaled passes list in the order they ran even
// across sessions.
type UUIDv7Generator struct{}

func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator hands out a predetermined token list and panics once it
// runs dry. The panic is deliberate: a test that triggers more passes
// than it declared tokens for is misconfigured, and a silent fallback
// would hide the extra pass.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator returning tokens in order.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic("FixedGenerator: all tokens exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}

// SequenceGenerator yields "<prefix>-1", "<prefix>-2", ... without a
// fixed limit. Harness runs use it so the same scenario always produces
// the same pass tokens, which golden traces and journal verification
// both rely on.
type SequenceGenerator struct {
	mu   sync.Mutex
	n    int
	base string
}

// NewSequenceGenerator creates a generator with the given token prefix.
// An empty prefix defaults to "pass".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return NewSequenceGeneratorAt(prefix, 0)
}

// NewSequenceGeneratorAt creates a generator whose first token is
// "<prefix>-<last+1>". Recording into a journal that already holds
// `last` passes resumes the sequence here so tokens never collide with
// recorded ones.
func NewSequenceGeneratorAt(prefix string, last int) *SequenceGenerator {
	if prefix == "" {
		prefix = "pass"
	}
	return &SequenceGenerator{base: prefix, n: last}
}

// Generate returns the next token in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.base + "-" + strconv.Itoa(g.n)
}

// SplitSequenceToken parses a SequenceGenerator token back into its
// prefix and number. Replay tooling uses it to continue the sequence a
// recorded session was using. Returns ok=false for tokens minted by
// other generators, such as UUIDs.
func SplitSequenceToken(token string) (prefix string, n int, ok bool) {
	i := strings.LastIndexByte(token, '-')
	if i <= 0 || i == len(token)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(token[i+1:])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return token[:i], n, true
}
