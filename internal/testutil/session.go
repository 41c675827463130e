package testutil

const defaultSession = "test-session-default"

// FixedSessionGenerator always returns one session id, so a scenario
// replayed twice writes byte-identical logs.
type FixedSessionGenerator struct {
	token string
}

// NewFixedSessionGenerator returns a generator for token, or for
// "test-session-default" when token is empty.
func NewFixedSessionGenerator(token string) *FixedSessionGenerator {
	if token == "" {
		token = defaultSession
	}
	return &FixedSessionGenerator{token: token}
}

func (g *FixedSessionGenerator) Generate() string { return g.token }
