package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/mcpilot/internal/tracing"
	"github.com/harun/mcpilot/pkg/agent"
)

const transcriptExt = ".jsonl"

// Entry is one line of a transcript file
type Entry struct {
	SessionID string        `json:"sessionId"`
	Message   agent.Message `json:"message"`
}

// Transcript writes session history as JSONL, one file per session.
type Transcript struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewTranscript creates a transcript store rooted at dir.
func NewTranscript(dir string) (*Transcript, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".mcpilot", "transcripts")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	log.Debug().Str("dir", dir).Msg("Transcript store initialized")

	return &Transcript{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the transcript directory
func (t *Transcript) Dir() string {
	return t.dir
}

// validateSessionID rejects ids that could escape the transcript directory
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (t *Transcript) path(sessionID string) string {
	return filepath.Join(t.dir, sessionID+transcriptExt)
}

func (t *Transcript) writeLock(sessionID string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()

	if lock, ok := t.writeLocks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	t.writeLocks[sessionID] = lock
	return lock
}

// Record appends one message to the session's transcript file.
func (t *Transcript) Record(ctx context.Context, sessionID string, message agent.Message) (err error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	_, span := tracing.StartSpan(
		ctx,
		"mcpilot.session",
		"session.transcript_record",
		attribute.String("session_id", sessionID),
		attribute.String("role", string(message.Role)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if message.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	lock := t.writeLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(t.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(Entry{SessionID: sessionID, Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// Load reads a transcript. Corrupted lines are skipped; a missing file yields no entries.
func (t *Transcript) Load(ctx context.Context, sessionID string) (entries []Entry, err error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mcpilot.session",
		"session.transcript_load",
		attribute.String("session_id", sessionID),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	file, err := os.Open(t.path(sessionID))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	entries = []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse transcript line, skipping")
			continue
		}
		if entry.Message.Role == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid transcript entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}

	return entries, nil
}

// List returns the ids of all recorded sessions, sorted.
func (t *Transcript) List() ([]string, error) {
	dirEntries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	ids := []string{}
	for _, entry := range dirEntries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transcriptExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), transcriptExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune deletes transcripts not modified within maxAge and returns how many were removed.
func (t *Transcript) Prune(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	ids, err := t.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, id := range ids {
		info, err := os.Stat(t.path(id))
		if err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Failed to stat transcript")
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		lock := t.writeLock(id)
		lock.Lock()
		err = os.Remove(t.path(id))
		lock.Unlock()
		if err != nil && !os.IsNotExist(err) {
			log.Warn().Str("session_id", id).Err(err).Msg("Failed to delete transcript")
			continue
		}

		t.locksMu.Lock()
		delete(t.writeLocks, id)
		t.locksMu.Unlock()
		removed++
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("Old transcripts pruned")
	}
	return removed, nil
}
