package memory

import (
	"encoding/hex"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/sp103107/context-module/internal/fault"
)

// TokenVault holds at most one pending milestone token per run. Tokens
// are minted by the episode sealer and consumed exactly once by a memory
// commit; minting a new token invalidates any unconsumed predecessor.
type TokenVault struct {
	mu      sync.Mutex
	pending map[string]string
}

func NewTokenVault() *TokenVault {
	return &TokenVault{pending: map[string]string{}}
}

// Mint derives an opaque token bound to runID and stores it as the run's
// pending token.
func (v *TokenVault) Mint(runID string) string {
	sum := blake3.Sum256([]byte(runID + ":" + ulid.Make().String()))
	token := "mt_" + hex.EncodeToString(sum[:16])
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending[runID] = token
	return token
}

// Consume accepts the run's pending token exactly once.
func (v *TokenVault) Consume(runID, token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	want, ok := v.pending[runID]
	if !ok || token == "" || token != want {
		return fault.New(fault.Gate, "missing or invalid milestone token for run %s", runID)
	}
	delete(v.pending, runID)
	return nil
}

// Invalidate drops the run's pending token, if any.
func (v *TokenVault) Invalidate(runID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.pending, runID)
}
