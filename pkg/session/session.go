package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/mcpilot/internal/observability"
	"github.com/harun/mcpilot/pkg/agent"
	"github.com/harun/mcpilot/pkg/toolexecutor"
)

// ErrBusy is returned when a turn is already running on the session.
var ErrBusy = errors.New("session is busy with another turn")

// Session is one conversation: an append-only history and a frozen tool catalog.
type Session struct {
	id        string
	createdAt time.Time
	catalog   []toolexecutor.ToolDefinition
	byName    map[string]toolexecutor.ToolDefinition

	mu      sync.RWMutex
	history []agent.Message
	pending map[string]bool // Unanswered call ids of the latest assistant message
	held    []agent.Message

	busy       atomic.Bool
	closed     atomic.Bool
	transcript *Transcript
	logger     zerolog.Logger
}

// Option configures a Session
type Option func(*Session)

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithTranscript records every appended message.
func WithTranscript(t *Transcript) Option {
	return func(s *Session) {
		s.transcript = t
	}
}

// WithLogger sets the logger used for transcript write failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// New creates a session over a snapshot of the given tool catalog.
func New(catalog []toolexecutor.ToolDefinition, opts ...Option) *Session {
	observability.EnsureRegistered()

	snapshot := make([]toolexecutor.ToolDefinition, len(catalog))
	copy(snapshot, catalog)
	sort.SliceStable(snapshot, func(i, j int) bool {
		if snapshot[i].Server != snapshot[j].Server {
			return snapshot[i].Server < snapshot[j].Server
		}
		return snapshot[i].Name < snapshot[j].Name
	})

	byName := make(map[string]toolexecutor.ToolDefinition, len(snapshot))
	for _, def := range snapshot {
		byName[def.Name] = def
	}

	s := &Session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		catalog:   snapshot,
		byName:    byName,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	observability.AddActiveSessions(1)
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was created
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Catalog returns the tool catalog snapshot.
func (s *Session) Catalog() []toolexecutor.ToolDefinition {
	out := make([]toolexecutor.ToolDefinition, len(s.catalog))
	copy(out, s.catalog)
	return out
}

// Tool looks up a tool in the catalog snapshot.
func (s *Session) Tool(name string) (toolexecutor.ToolDefinition, bool) {
	def, ok := s.byName[name]
	return def, ok
}

// ToolsFor returns the catalog restricted to tools matching the hint.
// A hint matches the owning server or a substring of the tool name. When
// nothing matches, or the hint is empty or general, the whole catalog is returned.
func (s *Session) ToolsFor(hint string) []toolexecutor.ToolDefinition {
	if hint == "" || strings.EqualFold(hint, GeneralHint) {
		return s.Catalog()
	}
	matched := make([]toolexecutor.ToolDefinition, 0)
	for _, def := range s.catalog {
		if matchesHint(def, hint) {
			matched = append(matched, def)
		}
	}
	if len(matched) == 0 {
		return s.Catalog()
	}
	return matched
}

// Begin claims the session for one turn. The returned func releases it.
func (s *Session) Begin() (func(), error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	var once sync.Once
	return func() {
		once.Do(func() { s.busy.Store(false) })
	}, nil
}

// Busy reports whether a turn is in progress.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// Append adds messages to the end of the history and returns the index the
// first of them occupies. While the latest assistant message still has
// unanswered tool calls, only their results are appended. Anything else is
// held and appended right after the last result, so each call stays answered
// directly after the message that proposed it.
func (s *Session) Append(msgs ...agent.Message) int {
	now := time.Now()

	s.mu.Lock()
	first := -1
	var written []agent.Message
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		var idx int
		idx, written = s.place(msg, written)
		if first < 0 {
			first = idx
		}
	}
	if first < 0 {
		first = len(s.history)
	}
	s.mu.Unlock()

	if s.transcript != nil {
		for _, msg := range written {
			if err := s.transcript.Record(context.Background(), s.id, msg); err != nil {
				s.logger.Warn().Err(err).Str("session_id", s.id).Msg("Failed to record transcript entry")
			}
		}
	}
	return first
}

// place appends msg or holds it, returning its final index. Messages that
// reached the history are added to written. Caller holds s.mu.
func (s *Session) place(msg agent.Message, written []agent.Message) (int, []agent.Message) {
	if len(s.pending) > 0 && !(msg.Role == agent.RoleTool && s.pending[msg.ToolCallID]) {
		idx := len(s.history) + len(s.pending) + len(s.held)
		s.held = append(s.held, msg)
		return idx, written
	}

	idx := len(s.history)
	s.history = append(s.history, msg)
	written = append(written, msg)

	switch {
	case msg.Role == agent.RoleTool:
		delete(s.pending, msg.ToolCallID)
	case msg.Role == agent.RoleAssistant && len(msg.ToolCalls) > 0:
		s.pending = make(map[string]bool, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			s.pending[call.ID] = true
		}
	}

	if len(s.pending) == 0 && len(s.held) > 0 {
		held := s.held
		s.held = nil
		for _, h := range held {
			_, written = s.place(h, written)
		}
	}
	return idx, written
}

// NextIndex returns the index the next appended message occupies unless it
// answers a pending tool call.
func (s *Session) NextIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.pending) == 0 {
		return len(s.history)
	}
	return len(s.history) + len(s.pending) + len(s.held)
}

// Unanswered returns the number of tool calls still waiting for a result and
// the number of messages held until they arrive.
func (s *Session) Unanswered() (calls, held int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending), len(s.held)
}

// History returns a copy of the full history.
func (s *Session) History() []agent.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Recent returns up to n most recent messages without boundary adjustment.
func (s *Session) Recent(n int) []agent.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n >= len(s.history) {
		out := make([]agent.Message, len(s.history))
		copy(out, s.history)
		return out
	}
	out := make([]agent.Message, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// Window returns the suffix of the history sent to the model. It holds at
// most limit messages and starts at a user message so tool results are
// never separated from the call that produced them. When the latest user
// message alone is older than limit, the window starts there anyway.
// A limit of zero or less returns the whole history.
func (s *Session) Window(limit int) []agent.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return window(s.history, limit)
}

func window(history []agent.Message, limit int) []agent.Message {
	start := 0
	if limit > 0 && len(history) > limit {
		start = len(history) - limit
		for start < len(history) && history[start].Role != agent.RoleUser {
			start++
		}
		if start == len(history) {
			start = lastUserIndex(history)
		}
	}
	out := make([]agent.Message, len(history)-start)
	copy(out, history[start:])
	return out
}

func lastUserIndex(history []agent.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == agent.RoleUser {
			return i
		}
	}
	return 0
}

// Close releases the session. Appending after Close still works; the
// session only stops counting as active.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		observability.AddActiveSessions(-1)
	}
}
