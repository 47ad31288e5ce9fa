// Package bus carries config change notifications between the write path
// and replica pipelines over Postgres LISTEN/NOTIFY.
//
// Notifications are a liveness nudge, not a delivery guarantee: a replica
// that misses one catches up from the durable event feed on its next poll,
// and the periodic snapshot pull repairs anything else.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"confmesh/internal/types"
)

// Channel is the NOTIFY channel config events travel on.
const Channel = "confmesh_config_events"

const (
	initialBackoff      = 500 * time.Millisecond
	maxBackoff          = 30 * time.Second
	healthcheckInterval = 30 * time.Second
	healthcheckTimeout  = 5 * time.Second
)

// Handler receives decoded config event payloads from the listener.
type Handler func(types.EventPayload)

// Client publishes and subscribes to config events. Publishing rides the
// shared pool; listening holds a dedicated connection that reconnects with
// capped exponential backoff.
type Client struct {
	dsn     string
	pool    *pgxpool.Pool
	logger  *zap.Logger
	handler Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a client. The pool is used for publishing; the DSN opens the
// dedicated listener connection. Either side may be unused: a write-path
// process passes no handler, a replica may never publish.
func New(dsn string, pool *pgxpool.Pool, handler Handler, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		dsn:     dsn,
		pool:    pool,
		logger:  logger.Named("bus"),
		handler: handler,
	}
}

// Notify publishes one event payload on the channel.
func (c *Client) Notify(ctx context.Context, payload types.EventPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event payload does not encode: %w", err)
	}
	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, string(body)); err != nil {
		publishFailures.Inc()
		return fmt.Errorf("%w: failed to publish event: %v", types.ErrTransient, err)
	}
	published.Inc()
	return nil
}

// Start launches the listener goroutine. Calling Start on a running client
// is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

// Stop shuts the listener down and waits for it to exit. Safe to call on a
// client that was never started.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	delay := initialBackoff
	for {
		started := time.Now()
		err := c.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		delay = reconnectDelay(delay, time.Since(started))
		reconnects.Inc()
		c.logger.Warn("listener connection lost, reconnecting",
			zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(withJitter(delay)):
		}
		delay = nextDelay(delay)
	}
}

// reconnectDelay picks the wait before the next connection attempt. A
// session that survived past one healthcheck interval was healthy, so the
// backoff restarts; anything shorter keeps the accumulated delay.
func reconnectDelay(accumulated, session time.Duration) time.Duration {
	if session >= healthcheckInterval {
		return initialBackoff
	}
	return accumulated
}

// listenOnce holds one listener connection until it fails or the context
// ends.
func (c *Client) listenOnce(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	conn, err := pgx.Connect(connCtx, c.dsn)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("failed to LISTEN: %w", err)
	}
	c.logger.Info("listening for config events", zap.String("channel", Channel))

	for {
		waitCtx, cancel := context.WithTimeout(ctx, healthcheckInterval)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		switch {
		case err == nil:
			c.dispatch(n.Payload)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			// Idle channel. Verify the connection still answers before
			// waiting again.
			if err := c.ping(ctx, conn); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func (c *Client) ping(ctx context.Context, conn *pgx.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return fmt.Errorf("listener healthcheck failed: %w", err)
	}
	return nil
}

func (c *Client) dispatch(raw string) {
	received.Inc()
	if c.handler == nil {
		return
	}
	var payload types.EventPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		c.logger.Warn("dropping undecodable event payload", zap.Error(err))
		return
	}
	c.handler(payload)
}

// nextDelay doubles the backoff up to the cap.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// withJitter spreads a delay by +-20% so a fleet of replicas does not
// reconnect in lockstep.
func withJitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
