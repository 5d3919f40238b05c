// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sender abstracts the primary's outbound transport. The wire
// implementation lives with the node; the primary only needs broadcast and
// point-to-point sends of serialized messages.
package sender

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/warp"
)

// Sender sends serialized primary messages.
type Sender interface {
	// Broadcast sends a message to every other committee member.
	Broadcast(ctx context.Context, msg []byte) error

	// Send sends a message to one committee member.
	Send(ctx context.Context, nodeID ids.NodeID, msg []byte) error
}

// AppSender is the node-facing warp sender the transport layer is built on.
type AppSender = warp.Sender

// Handler receives serialized primary messages from the transport.
type Handler interface {
	// Deliver hands an inbound message to the primary.
	Deliver(nodeID ids.NodeID, msg []byte)
}

// Loopback is an in-process Sender that delivers messages directly to
// registered handlers. It backs multi-primary tests.
type Loopback struct {
	self ids.NodeID

	mu       sync.RWMutex
	handlers map[ids.NodeID]Handler
}

// NewLoopback creates a loopback sender for one node.
func NewLoopback(self ids.NodeID) *Loopback {
	return &Loopback{
		self:     self,
		handlers: make(map[ids.NodeID]Handler),
	}
}

// Register attaches a handler for a node.
func (l *Loopback) Register(nodeID ids.NodeID, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[nodeID] = h
}

// Broadcast delivers the message to every registered handler except the
// sender itself.
func (l *Loopback) Broadcast(_ context.Context, msg []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for nodeID, h := range l.handlers {
		if nodeID == l.self {
			continue
		}
		h.Deliver(l.self, msg)
	}
	return nil
}

// Send delivers the message to one registered handler.
func (l *Loopback) Send(_ context.Context, nodeID ids.NodeID, msg []byte) error {
	l.mu.RLock()
	h, ok := l.handlers[nodeID]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	h.Deliver(l.self, msg)
	return nil
}
