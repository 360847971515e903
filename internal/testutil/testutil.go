// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gormadapter "github.com/vibekit/identity/adapters/gorm"
	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/pkg/logger"
)

// NewDatabase returns a migrated in-memory SQLite database that is closed
// when the test ends.
func NewDatabase(t *testing.T) *gormadapter.Adapter {
	t.Helper()

	db, err := gormadapter.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func MakeNoopLogger() *slog.Logger {
	return logger.Noop()
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Outbox records messages instead of sending them. It satisfies both
// core.Mailer and core.SMSSender.
type Outbox struct {
	mu       sync.Mutex
	messages []core.Message
	Err      error
}

func (o *Outbox) Send(ctx context.Context, msg core.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.messages = append(o.messages, msg)
	return nil
}

func (o *Outbox) Messages() []core.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]core.Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// Last returns the most recent message, failing the test when there is none.
func (o *Outbox) Last(t *testing.T) core.Message {
	t.Helper()
	msgs := o.Messages()
	require.NotEmpty(t, msgs, "no messages sent")
	return msgs[len(msgs)-1]
}
