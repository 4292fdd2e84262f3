package audio

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clip is a locally synthesized recording held for playback.
type Clip struct {
	ID      string
	Data    []byte
	MIME    string
	Created time.Time
}

// ClipStore keeps recent clips in memory, bounded by age and count.
type ClipStore struct {
	mu    sync.Mutex
	clips map[string]Clip
	order []string
	ttl   time.Duration
	max   int
	now   func() time.Time
}

// NewClipStore creates a store that forgets clips older than ttl and keeps
// at most maxClips.
func NewClipStore(ttl time.Duration, maxClips int) *ClipStore {
	if maxClips <= 0 {
		maxClips = 256
	}
	return &ClipStore{
		clips: make(map[string]Clip),
		ttl:   ttl,
		max:   maxClips,
		now:   time.Now,
	}
}

// Put stores data and returns its id.
func (s *ClipStore) Put(data []byte, mime string) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips[id] = Clip{ID: id, Data: data, MIME: mime, Created: s.now()}
	s.order = append(s.order, id)
	s.pruneLocked()
	return id
}

// Get returns a live clip.
func (s *ClipStore) Get(id string) (Clip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clips[id]
	if !ok {
		return Clip{}, false
	}
	if s.ttl > 0 && s.now().Sub(c.Created) > s.ttl {
		return Clip{}, false
	}
	return c, true
}

// Len reports how many clips are held.
func (s *ClipStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clips)
}

func (s *ClipStore) pruneLocked() {
	now := s.now()
	drop := 0
	for _, id := range s.order {
		c, ok := s.clips[id]
		expired := ok && s.ttl > 0 && now.Sub(c.Created) > s.ttl
		over := len(s.clips) > s.max
		if ok && !expired && !over {
			break
		}
		delete(s.clips, id)
		drop++
	}
	s.order = s.order[drop:]
}

// DataURL encodes data as an inline data URL.
func DataURL(data []byte, mime string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
