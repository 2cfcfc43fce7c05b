package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

const keepAliveInterval = 25 * time.Second

// sseHandler holds one server-sent-events connection open per browser session
// and forwards change notifications for the authenticated user. The stream
// carries no row data, only a "server-change" invalidation signal; clients
// re-fetch through the ordinary request path. Notifications published while a
// client is disconnected are lost and never replayed.
func (s *server) sseHandler(c *gin.Context) {
	uidVal, exists := c.Get("userID")
	uid, ok := uidVal.(uint)
	if !exists || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	owner := ownerKey(uid)

	// The subscriber callback runs on the publisher's goroutine; a
	// non-blocking send keeps a slow connection from stalling mutations.
	msgs := make(chan string, 8)
	sub := s.hub.Subscribe(owner, func() {
		select {
		case msgs <- fmt.Sprintf("Data change for %s", owner):
		default:
		}
	})
	// The deferred unsubscribe covers every exit path: client abort, server
	// shutdown, write error. Leaking the subscription would pin the owner's
	// hub entry for the process lifetime.
	defer s.hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	w := c.Writer
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			if err := sse.Encode(w, sse.Event{Event: "server-change", Data: msg}); err != nil {
				return
			}
			w.Flush()
		case <-ticker.C:
			// comment line keeps idle proxies from dropping the connection
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}
