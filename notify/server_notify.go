package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fluxgate/eventbus/observability"
)

// ErrListenUnsupported is returned by Select when the caller forces
// the "server" strategy against a dialect that doesn't support
// LISTEN/NOTIFY.
var ErrListenUnsupported = errors.New("notify: dialect does not support listen/notify")

// ServerNotify is a long-lived LISTEN on a dedicated Postgres
// connection. notify() issues a pg_notify on the same channel.
// Connection errors are logged and the listener exits; Polling covers
// the gap until the next Start (normally composed via Compose).
type ServerNotify struct {
	dsn     string
	channel string
	obs     *observability.Subject

	mu     sync.Mutex
	conn   *pgx.Conn
	cancel context.CancelFunc
}

// NewServerNotify dials a dedicated connection for LISTEN/NOTIFY on
// channel. The connection is separate from the Store's pool: a pooled
// connection can be silently recycled out from under a LISTEN.
func NewServerNotify(dsn, channel string, obs *observability.Subject) *ServerNotify {
	return &ServerNotify{dsn: dsn, channel: channel, obs: obs}
}

func (s *ServerNotify) Start(ctx context.Context, onNotify func()) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("notify: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{s.channel}.Sanitize())); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("notify: listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(listenCtx, conn, onNotify)
	return nil
}

func (s *ServerNotify) loop(ctx context.Context, conn *pgx.Conn, onNotify func()) {
	for {
		_, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.obs != nil {
				s.obs.Emit(observability.Event{
					Name: "notify.server_notify.error",
					Time: time.Now(),
					Attributes: map[string]any{
						"channel": s.channel,
						"error":   err.Error(),
					},
				})
			}
			return
		}
		onNotify()
	}
}

func (s *ServerNotify) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.conn.Close(ctx)
		s.conn = nil
		return err
	}
	return nil
}

func (s *ServerNotify) Notify(ctx context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_, err := conn.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, eventID.String())
	return err
}
