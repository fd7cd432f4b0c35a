package gossip

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SeenSet records recently processed message IDs. Entries expire after the
// configured horizon, and the oldest entries are evicted once capacity is reached.
type SeenSet struct {
	cache *expirable.LRU[MessageID, struct{}]
}

func NewSeenSet(capacity int, ttl time.Duration) *SeenSet {
	return &SeenSet{cache: expirable.NewLRU[MessageID, struct{}](capacity, nil, ttl)}
}

// Has reports whether id was seen within the horizon.
func (s *SeenSet) Has(id MessageID) bool {
	_, ok := s.cache.Get(id)
	return ok
}

// Add records id and reports whether it was new.
func (s *SeenSet) Add(id MessageID) bool {
	if s.Has(id) {
		return false
	}
	s.cache.Add(id, struct{}{})
	return true
}

func (s *SeenSet) Len() int { return s.cache.Len() }
