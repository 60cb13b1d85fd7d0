// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"sync"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

// Channel is a bounded ring of typed messages with independent close flags
// for sender and receiver (spec §4.8 "Capability-protected channels").
// Channel only implements the ring semantics: it performs no capability
// check of its own, and no syscall handler in this module wraps it.
type Channel[T any] struct {
	mu         sync.Mutex
	notFull    *sync.Cond
	notEmpty   *sync.Cond
	buf        []T
	start, n   int
	senderOpen bool
	recvOpen   bool
}

func NewChannel[T any](capacity int) *Channel[T] {
	c := &Channel[T]{
		buf:        make([]T, capacity),
		senderOpen: true,
		recvOpen:   true,
	}
	c.notFull = sync.NewCond(&c.mu)
	c.notEmpty = sync.NewCond(&c.mu)
	return c
}

// Send enqueues one message, blocking while full. Fails if either end is
// closed.
func (c *Channel[T]) Send(msg T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if !c.senderOpen || !c.recvOpen {
			return kerrors.E("ipc.Channel.Send", kerrors.InvalidArgument, kerrors.New("channel closed"))
		}
		if c.n < len(c.buf) {
			c.buf[(c.start+c.n)%len(c.buf)] = msg
			c.n++
			c.notEmpty.Signal()
			return nil
		}
		c.notFull.Wait()
	}
}

// SendBatch enqueues msgs in a single lock acquisition (spec: "Batched
// send/receive operate on contiguous ranges of the ring in one lock
// acquisition"), blocking as a whole until there is room for all of them.
func (c *Channel[T]) SendBatch(msgs []T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if !c.senderOpen || !c.recvOpen {
			return kerrors.E("ipc.Channel.SendBatch", kerrors.InvalidArgument, kerrors.New("channel closed"))
		}
		if len(c.buf)-c.n >= len(msgs) {
			for _, m := range msgs {
				c.buf[(c.start+c.n)%len(c.buf)] = m
				c.n++
			}
			c.notEmpty.Broadcast()
			return nil
		}
		c.notFull.Wait()
	}
}

// Receive dequeues the next message, blocking while empty and the sender is
// open. Returns InvalidArgument once drained with the sender closed.
func (c *Channel[T]) Receive() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	for {
		if c.n > 0 {
			msg := c.buf[c.start]
			c.start = (c.start + 1) % len(c.buf)
			c.n--
			c.notFull.Signal()
			return msg, nil
		}
		if !c.senderOpen {
			return zero, kerrors.E("ipc.Channel.Receive", kerrors.InvalidArgument, kerrors.New("channel drained and closed"))
		}
		c.notEmpty.Wait()
	}
}

// TrySend is the non-blocking counterpart of Send.
func (c *Channel[T]) TrySend(msg T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.senderOpen || !c.recvOpen {
		return kerrors.E("ipc.Channel.TrySend", kerrors.InvalidArgument, kerrors.New("channel closed"))
	}
	if c.n >= len(c.buf) {
		return kerrors.E("ipc.Channel.TrySend", kerrors.WouldBlock, nil)
	}
	c.buf[(c.start+c.n)%len(c.buf)] = msg
	c.n++
	c.notEmpty.Signal()
	return nil
}

// CloseSender marks the send side closed.
func (c *Channel[T]) CloseSender() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senderOpen = false
	c.notEmpty.Broadcast()
}

// CloseReceiver marks the receive side closed.
func (c *Channel[T]) CloseReceiver() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvOpen = false
	c.notFull.Broadcast()
}
