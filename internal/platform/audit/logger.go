package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"keyauth/internal/platform/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
	writeTimeout     = 5 * time.Second
)

// Event is one administrative mutation.
type Event struct {
	Actor       string
	Action      string
	Application string
	Resource    string
	Metadata    map[string]interface{}
}

// Recorder accepts audit events. Implementations must not block callers.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

type Nop struct{}

func (Nop) Record(context.Context, Event) {}

type Store interface {
	Insert(ctx context.Context, e *models.AuditEntry) error
	List(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

type ctxKey struct{}

// WithClientIP stores the caller address for entries recorded under ctx.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ip)
}

func clientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ctxKey{}).(string); ok {
		return ip
	}
	return ""
}

// Logger writes audit entries from a background goroutine. When the buffer
// is full entries are dropped and logged rather than stalling a request.
type Logger struct {
	store   Store
	entries chan *models.AuditEntry
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewLogger(store Store, buffer int) *Logger {
	if buffer <= 0 {
		buffer = 256
	}
	l := &Logger{
		store:   store,
		entries: make(chan *models.AuditEntry, buffer),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Logger) Record(ctx context.Context, e Event) {
	var metadata json.RawMessage
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			metadata = b
		}
	}

	entry := &models.AuditEntry{
		ID:          uuid.New().String(),
		Actor:       e.Actor,
		Action:      e.Action,
		Application: e.Application,
		Resource:    e.Resource,
		Metadata:    metadata,
		IPAddress:   clientIP(ctx),
		CreatedAt:   time.Now().UTC(),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		log.Warn().Str("action", e.Action).Str("actor", e.Actor).Msg("audit logger closed, dropping entry")
		return
	}

	select {
	case l.entries <- entry:
	default:
		log.Warn().Str("action", e.Action).Str("actor", e.Actor).Msg("audit buffer full, dropping entry")
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for entry := range l.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := l.store.Insert(ctx, entry); err != nil {
			log.Error().Err(err).Str("action", entry.Action).Msg("failed to write audit entry")
		}
		cancel()
	}
}

// Recent lists the newest entries. limit is clamped to [1, MaxListLimit].
func (l *Logger) Recent(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return l.store.List(ctx, limit)
}

// Close flushes buffered entries. Later Record calls are dropped.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	l.wg.Wait()
}
