// Package uuid generates worker and run identities.
package uuid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Generator creates UUID v7 based identifiers.
type Generator struct {
	host string
}

// New creates a Generator tagged with the local hostname.
func New() *Generator {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Generator{host: sanitize(host)}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID returns an identity for one worker incarnation, written to
// targets.claimed_by. Restarted workers get a new ID so a stale
// incarnation can never pass an ownership check.
func (g Generator) WorkerID(slot int) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	raw := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("%s-w%d-%s", g.host, slot, raw[len(raw)-8:]), nil
}

func sanitize(host string) string {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, host)
}
