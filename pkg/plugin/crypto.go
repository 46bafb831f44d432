package plugin

import (
	"context"
	"crypto/rand"
	"log/slog"

	"github.com/google/uuid"
)

// Crypto is the randomness capability.
type Crypto struct {
	plugin string
	audit  *slog.Logger
}

func newCrypto(plugin string, audit *slog.Logger) *Crypto {
	return &Crypto{plugin: plugin, audit: audit}
}

// RandomUUID returns a random (version 4) UUID string.
func (c *Crypto) RandomUUID() string {
	id := uuid.NewString()
	c.record("randomUUID", 0)
	return id
}

// GetRandomValues fills buf with cryptographically secure random bytes and
// returns it.
func (c *Crypto) GetRandomValues(buf []byte) ([]byte, error) {
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	c.record("getRandomValues", len(buf))
	return buf, nil
}

func (c *Crypto) record(op string, n int) {
	c.audit.LogAttrs(context.Background(), slog.LevelInfo, "capability invoked",
		slog.String("plugin", c.plugin),
		slog.String("capability", "crypto"),
		slog.String("op", op),
		slog.Int("bytes", n),
	)
}
