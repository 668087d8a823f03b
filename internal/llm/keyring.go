package llm

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/valenai/internal/logging"
)

// KeyRing is a fixed rotation of API keys shared by concurrent requests.
type KeyRing struct {
	mu   sync.Mutex
	keys []string
	cur  int
}

func NewKeyRing(keys []string) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one api key is required")
	}
	cp := make([]string, len(keys))
	copy(cp, keys)
	return &KeyRing{keys: cp}, nil
}

func (r *KeyRing) Len() int { return len(r.keys) }

// Current returns the index and value of the key new requests should start with.
func (r *KeyRing) Current() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur, r.keys[r.cur]
}

// At returns the key at idx modulo the ring size.
func (r *KeyRing) At(idx int) string {
	return r.keys[idx%len(r.keys)]
}

// MarkFailed advances the rotation past idx. If another request already
// moved past idx, the rotation is left alone.
func (r *KeyRing) MarkFailed(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx %= len(r.keys)
	if r.cur != idx {
		return
	}
	r.cur = (r.cur + 1) % len(r.keys)
	log.Warn().
		Str("failed_key", logging.MaskSecret(r.keys[idx])).
		Str("next_key", logging.MaskSecret(r.keys[r.cur])).
		Int("index", r.cur).
		Msg("Rotated API key")
}
