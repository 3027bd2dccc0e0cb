package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// Turn is one answered request of a conversation.
type Turn struct {
	Seq           uint64 `json:"seq"`
	Question      string `json:"question"`
	SQL           string `json:"sql,omitempty"`
	GeneralAnswer string `json:"general_answer,omitempty"`
}

type Config struct {
	Clock clockwork.Clock
	// MaxTurns is the number of most recent turns kept per session.
	MaxTurns int
	// IdleTTL drops a session that has not been written for this long.
	IdleTTL time.Duration
	// MaxSessions bounds the number of live sessions. Zero means unbounded.
	MaxSessions uint64
}

func (cfg *Config) Validate() error {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxTurns <= 0 {
		return errors.New("max turns must be greater than 0")
	}
	if cfg.IdleTTL <= 0 {
		return errors.New("idle ttl must be greater than 0")
	}
	return nil
}

type history struct {
	mu      sync.Mutex
	turns   []Turn
	touched time.Time
	// reserved is the highest sequence number handed out by Reserve.
	reserved uint64
}

// Store keeps the recent turns of each session in memory.
type Store struct {
	cfg      Config
	sessions *ttlcache.Cache[string, *history]
	mu       sync.Mutex
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts := []ttlcache.Option[string, *history]{
		ttlcache.WithTTL[string, *history](cfg.IdleTTL),
		ttlcache.WithDisableTouchOnHit[string, *history](),
	}
	if cfg.MaxSessions > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *history](cfg.MaxSessions))
	}
	return &Store{cfg: cfg, sessions: ttlcache.New(opts...)}, nil
}

// History returns a copy of the stored turns of id, oldest first.
func (s *Store) History(id string) []Turn {
	h := s.get(id)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn(nil), h.turns...)
}

// LastSeq returns the highest stored sequence number of id.
func (s *Store) LastSeq(id string) uint64 {
	h := s.get(id)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.turns) == 0 {
		return 0
	}
	return h.turns[len(h.turns)-1].Seq
}

// Reserve hands out the next sequence number of id. Concurrent callers get
// distinct numbers, each greater than every stored or reserved one.
func (s *Store) Reserve(id string) uint64 {
	if id == "" {
		return 0
	}
	h := s.getOrCreate(id)
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.turns); n > 0 && h.turns[n-1].Seq > h.reserved {
		h.reserved = h.turns[n-1].Seq
	}
	h.reserved++
	return h.reserved
}

// Append records t for id. A turn whose sequence number is not greater than
// the last stored one is dropped and Append reports false.
func (s *Store) Append(id string, t Turn) bool {
	if id == "" {
		return false
	}

	h := s.getOrCreate(id)
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.turns); n > 0 && t.Seq <= h.turns[n-1].Seq {
		return false
	}
	h.turns = append(h.turns, t)
	if over := len(h.turns) - s.cfg.MaxTurns; over > 0 {
		h.turns = append([]Turn(nil), h.turns[over:]...)
	}
	h.touched = s.cfg.Clock.Now()
	// Refresh the idle deadline.
	s.sessions.Touch(id)
	return true
}

func (s *Store) getOrCreate(id string) *history {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.get(id)
	if h == nil {
		h = &history{}
		s.sessions.Set(id, h, ttlcache.DefaultTTL)
	}
	return h
}

// get returns the live history of id. Idle sessions are measured against the
// injected clock so expiry is deterministic in tests.
func (s *Store) get(id string) *history {
	item := s.sessions.Get(id)
	if item == nil {
		return nil
	}
	h := item.Value()
	h.mu.Lock()
	idle := !h.touched.IsZero() && s.cfg.Clock.Since(h.touched) >= s.cfg.IdleTTL
	h.mu.Unlock()
	if idle {
		s.sessions.Delete(id)
		return nil
	}
	return h
}

func (s *Store) Delete(id string) { s.sessions.Delete(id) }

func (s *Store) Len() int { return s.sessions.Len() }

// Start runs ttlcache expiry until Stop.
func (s *Store) Start() { s.sessions.Start() }

func (s *Store) Stop() { s.sessions.Stop() }
