package events

import (
	"database/sql"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	busChannel   = "record_changes"
	pingInterval = 90 * time.Second
)

// PostgresBus is a Hub backed by Postgres LISTEN/NOTIFY, for deployments that
// run more than one server instance. Publish issues pg_notify; a dedicated
// listener connection feeds inbound notifications into a local Emitter, so a
// mutation handled by any instance reaches streams open on every instance.
// Delivery stays fire-and-forget: nothing is replayed after a disconnect.
type PostgresBus struct {
	db       *sql.DB
	local    *Emitter
	listener *pq.Listener
	done     chan struct{}
	stopped  chan struct{}
}

// NewPostgresBus connects a listener to the given DSN and starts the relay
// goroutine. The *sql.DB is used only for outbound pg_notify calls.
func NewPostgresBus(connStr string, db *sql.DB) (*PostgresBus, error) {
	listener := pq.NewListener(connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("events: listener error: %v", err)
		}
	})
	if err := listener.Listen(busChannel); err != nil {
		listener.Close()
		return nil, err
	}
	b := &PostgresBus{
		db:       db,
		local:    NewEmitter(),
		listener: listener,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go b.relay()
	return b, nil
}

func (b *PostgresBus) relay() {
	defer close(b.stopped)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case n := <-b.listener.Notify:
			// nil notification signals a connection reset; pq reconnects
			// on its own, we just keep draining.
			if n != nil {
				b.local.Publish(n.Extra)
			}
		case <-ticker.C:
			go func() {
				if err := b.listener.Ping(); err != nil {
					log.Printf("events: listener ping failed: %v", err)
				}
			}()
		}
	}
}

func (b *PostgresBus) Subscribe(ownerID string, fn func()) *Subscription {
	return b.local.Subscribe(ownerID, fn)
}

func (b *PostgresBus) Unsubscribe(sub *Subscription) {
	b.local.Unsubscribe(sub)
}

// Publish sends the owner id through Postgres. Local subscribers are reached
// via the listener connection like everyone else, which keeps ordering
// identical on every instance.
func (b *PostgresBus) Publish(ownerID string) {
	if _, err := b.db.Exec("SELECT pg_notify($1, $2)", busChannel, ownerID); err != nil {
		log.Printf("events: publish for owner %s failed: %v", ownerID, err)
	}
}

// Close stops the relay goroutine and closes the listener connection.
func (b *PostgresBus) Close() error {
	close(b.done)
	err := b.listener.Close()
	<-b.stopped
	return err
}
