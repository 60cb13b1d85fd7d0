// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

// LabMode forwards every trace-ring emission to attached websocket clients
// as a JSON frame (spec §4.11, §6 "Lab-mode WebSocket stream"). When no
// client is attached, Emit's hot path is a single atomic load, matching the
// original kernel's atomic-flag-gated trace_bus no-op.
type LabMode struct {
	log      logr.Logger
	attached atomic.Bool

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
	listener net.Listener
	server   *http.Server
}

type wireEvent struct {
	Timestamp time.Time `json:"ts"`
	CPU       int       `json:"cpu"`
	Kind      string    `json:"kind"`
	Payload   uint64    `json:"payload"`
}

// NewLabMode creates a lab-mode stream. Call Listen to start accepting
// clients; until then Attached() is always false and Emit is a no-op.
func NewLabMode(log logr.Logger) *LabMode {
	return &LabMode{
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Attached reports whether at least one debugging client is connected.
func (l *LabMode) Attached() bool {
	return l.attached.Load()
}

// Emit forwards ev to every attached client. Checked via an atomic.Bool so
// the common "nobody is watching" case costs one load and returns.
func (l *LabMode) Emit(ev Event) {
	if !l.attached.Load() {
		return
	}
	wire := wireEvent{Timestamp: ev.Timestamp, CPU: ev.CPU, Kind: ev.Kind.String(), Payload: ev.Payload}
	data, err := json.Marshal(wire)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.clients {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(l.clients, c)
			_ = c.Close()
		}
	}
	l.attached.Store(len(l.clients) > 0)
}

// Listen starts accepting debugging clients at addr. Binding the listener
// is retried with exponential backoff, up to 5 tries, if it transiently
// fails (mirroring the backoff policy used elsewhere for transient I/O,
// §10); the accept loop itself is not retried.
func (l *LabMode) Listen(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/trace", l.handleWS)
	l.server = &http.Server{Addr: addr, Handler: mux}

	b := backoff.NewExponentialBackOff()
	ln, err := backoff.Retry(ctx, func() (net.Listener, error) {
		return net.Listen("tcp", addr)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	if err != nil {
		return err
	}
	l.listener = ln

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.Error(err, "lab mode listener stopped")
		}
	}()
	return nil
}

// Close stops accepting clients and drops any connected ones.
func (l *LabMode) Close() error {
	l.mu.Lock()
	for c := range l.clients {
		_ = c.Close()
	}
	l.clients = make(map[*websocket.Conn]struct{})
	l.attached.Store(false)
	l.mu.Unlock()

	if l.server != nil {
		return l.server.Close()
	}
	return nil
}

func (l *LabMode) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.V(1).Info("lab mode upgrade failed", "error", err)
		return
	}

	l.mu.Lock()
	l.clients[conn] = struct{}{}
	l.attached.Store(true)
	l.mu.Unlock()

	// Drain and discard anything the client sends; the protocol is
	// kernel-to-client only. Exiting the read loop means the client
	// disconnected.
	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.clients, conn)
			l.attached.Store(len(l.clients) > 0)
			l.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
