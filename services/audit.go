package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/database"
)

// AuditEntry is the caller-supplied part of an audit event.
type AuditEntry struct {
	UserID    string
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// AuditLogger appends audit events. Failures are logged and never surface to
// the operation being audited.
//
// In async mode events go through a bounded queue drained by one goroutine;
// when the queue is full the event is dropped with a warning.
type AuditLogger struct {
	db  core.Database
	log *slog.Logger
	now func() time.Time

	mu     sync.RWMutex
	queue  chan *core.AuditEvent
	closed bool
	wg     sync.WaitGroup
}

func NewAuditLogger(db core.Database, log *slog.Logger) *AuditLogger {
	return &AuditLogger{db: db, log: orNoop(log), now: time.Now}
}

// NewAsyncAuditLogger starts a writer goroutine. Call Close to flush it.
func NewAsyncAuditLogger(db core.Database, log *slog.Logger, buffer int) *AuditLogger {
	if buffer <= 0 {
		buffer = 256
	}
	a := NewAuditLogger(db, log)
	a.queue = make(chan *core.AuditEvent, buffer)

	a.wg.Add(1)
	go a.drain()
	return a
}

// Log is safe to call on a nil logger.
func (a *AuditLogger) Log(ctx context.Context, action string, entry AuditEntry) {
	if a == nil {
		return
	}

	event := &core.AuditEvent{
		ID:        newID(),
		Action:    action,
		UserID:    optional(entry.UserID),
		IPAddress: optional(entry.IPAddress),
		UserAgent: optional(entry.UserAgent),
		Metadata:  entry.Metadata,
		CreatedAt: a.now(),
	}

	if a.queue == nil {
		a.write(ctx, event)
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Warn("audit logger closed, dropping event", "action", action)
		return
	}

	select {
	case a.queue <- event:
	default:
		a.log.Warn("audit queue full, dropping event", "action", action)
	}
}

// List returns the most recent events for a user, newest first.
func (a *AuditLogger) List(ctx context.Context, userID string, limit int) ([]*core.AuditEvent, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := a.db.Query(ctx,
		`SELECT id, action, user_id, ip_address, user_agent, metadata, created_at
		FROM audit_events WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*core.AuditEvent
	for rows.Next() {
		var (
			e         core.AuditEvent
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.IPAddress, &e.UserAgent, &metadata, &createdAt); err != nil {
			return nil, err
		}
		e.Metadata = database.DecodeJSON(metadata)
		e.CreatedAt = database.FromMillis(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close stops accepting events and waits for the queue to drain.
func (a *AuditLogger) Close() {
	if a == nil || a.queue == nil {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *AuditLogger) drain() {
	defer a.wg.Done()
	for event := range a.queue {
		a.write(context.Background(), event)
	}
}

func (a *AuditLogger) write(ctx context.Context, e *core.AuditEvent) {
	metadata, err := database.EncodeJSON(e.Metadata)
	if err != nil {
		a.log.Warn("audit metadata not encodable", "action", e.Action, "error", err)
		metadata = "{}"
	}

	_, err = a.db.Exec(ctx,
		`INSERT INTO audit_events (id, action, user_id, ip_address, user_agent, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, ptrValue(e.UserID), ptrValue(e.IPAddress), ptrValue(e.UserAgent), metadata, millis(e.CreatedAt))
	if err != nil {
		a.log.Error("failed to write audit event", "action", e.Action, "error", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptrValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
