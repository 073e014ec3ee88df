package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/connexus-ai/veriloop/internal/model"
)

// ProgressMirror optionally fans progress writes out to a shared store
// (e.g. Redis) so a Query API replica other than the one running a
// session's Orchestrator goroutine can still serve GetProgress for it.
type ProgressMirror interface {
	Set(ctx context.Context, sessionID string, record *model.ProgressRecord) error
	Get(ctx context.Context, sessionID string) (*model.ProgressRecord, error)
}

// ProgressChannel is the per-session append-only phase/status stream (C4).
// A single in-process map holds the current record for the common case
// (API replica == Orchestrator goroutine's process); the optional mirror
// covers the multi-replica case.
type ProgressChannel struct {
	mu      sync.Mutex
	current map[string]*model.ProgressRecord
	seq     map[string]int64
	mirror  ProgressMirror
}

// NewProgressChannel creates a ProgressChannel. mirror may be nil.
func NewProgressChannel(mirror ProgressMirror) *ProgressChannel {
	return &ProgressChannel{
		current: make(map[string]*model.ProgressRecord),
		seq:     make(map[string]int64),
		mirror:  mirror,
	}
}

// Set overwrites the current record for a session. Writes are serialized
// per-channel (a single mutex guards the whole map, matching the teacher's
// cache shape — sessions don't write often enough for per-key locks to
// matter). Ordering is enforced within a revision cycle (an older phase
// arriving after a newer one already committed in the same cycle is
// rejected, preserving P7); a record from a later cycle always supersedes
// one from an earlier cycle, since PhaseRevision and PhaseSkeptic otherwise
// share a rank band with phases the previous cycle's Judge already passed.
func (p *ProgressChannel) Set(ctx context.Context, record *model.ProgressRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rank := model.PhaseRank(record.Phase)
	if existing, ok := p.current[record.SessionID]; ok {
		existingRank := model.PhaseRank(existing.Phase)
		if record.Cycle < existing.Cycle || (record.Cycle == existing.Cycle && rank < existingRank) {
			return fmt.Errorf("service.ProgressChannel.Set: out-of-order phase %q (cycle %d) after %q (cycle %d)", record.Phase, record.Cycle, existing.Phase, existing.Cycle)
		}
	}

	p.seq[record.SessionID]++
	record.Seq = p.seq[record.SessionID]
	p.current[record.SessionID] = record

	if p.mirror != nil {
		if err := p.mirror.Set(ctx, record.SessionID, record); err != nil {
			slog.Warn("progress mirror write failed", "session_id", record.SessionID, "error", err)
		}
	}
	return nil
}

// Get returns the current record for a session, or nil if none yet. On a
// local miss it falls back to the mirror, covering a Query API replica
// other than the one running the session's Orchestrator goroutine.
func (p *ProgressChannel) Get(ctx context.Context, sessionID string) *model.ProgressRecord {
	p.mu.Lock()
	rec, ok := p.current[sessionID]
	p.mu.Unlock()
	if ok {
		return rec
	}

	if p.mirror == nil {
		return nil
	}
	rec, err := p.mirror.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("progress mirror read failed", "session_id", sessionID, "error", err)
		}
		return nil
	}
	return rec
}

// Forget drops the in-memory record for a finished session at once,
// bounding memory use for a long-running process. The mirror's copy is
// left in place.
func (p *ProgressChannel) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.current, sessionID)
	delete(p.seq, sessionID)
}

// redisProgressMirror implements ProgressMirror over a go-redis client,
// giving PROGRESS_REDIS_URL a concrete home (see SPEC_FULL.md §10): it
// exists purely so a second API replica can answer GetProgress for a
// session whose Orchestrator goroutine runs elsewhere.
type redisProgressMirror struct {
	client redisSetter
	ttl    time.Duration
}

// redisSetter is the narrow subset of *redis.Client this mirror needs,
// kept as an interface so it can be faked in tests without a live server.
type redisSetter interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// NewRedisProgressMirror wraps a redisSetter as a ProgressMirror.
func NewRedisProgressMirror(client redisSetter, ttl time.Duration) ProgressMirror {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &redisProgressMirror{client: client, ttl: ttl}
}

func (m *redisProgressMirror) Set(ctx context.Context, sessionID string, record *model.ProgressRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redisProgressMirror.Set: marshal: %w", err)
	}
	key := "progress:" + sessionID
	if err := m.client.Set(ctx, key, payload, m.ttl); err != nil {
		return fmt.Errorf("redisProgressMirror.Set: %w", err)
	}
	return nil
}

func (m *redisProgressMirror) Get(ctx context.Context, sessionID string) (*model.ProgressRecord, error) {
	payload, err := m.client.Get(ctx, "progress:"+sessionID)
	if err != nil {
		return nil, err
	}
	if payload == "" {
		return nil, ErrNotFound
	}
	var rec model.ProgressRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("redisProgressMirror.Get: unmarshal: %w", err)
	}
	return &rec, nil
}
