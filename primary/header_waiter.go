// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/narwhal/networking/sender"
	"github.com/luxfi/narwhal/store"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/utils/set"
)

// WaiterKind distinguishes what a parked header is waiting for.
type WaiterKind byte

const (
	// SyncParents waits for missing parent headers.
	SyncParents WaiterKind = iota
	// SyncPayload waits for missing worker batches.
	SyncPayload
)

// WaiterMessage parks a header until its missing dependencies appear in
// storage.
type WaiterMessage struct {
	Kind           WaiterKind
	Missing        []ids.ID
	MissingWorkers []types.WorkerID // parallel to Missing for SyncPayload
	Deliverable    types.HeaderType
}

// PayloadSyncRequest asks a worker to fetch a batch from its peers.
type PayloadSyncRequest struct {
	Digest   ids.ID
	WorkerID types.WorkerID
	Author   ids.NodeID
}

// HeaderWaiter parks headers whose parents or payload are not yet in
// storage and replays them into the Core when every dependency resolves.
// It also asks the header's author for missing parents and this node's
// workers for missing batches.
type HeaderWaiter struct {
	name   ids.NodeID
	store  *store.Store
	sender sender.Sender
	log    log.Logger

	rx        <-chan WaiterMessage
	txCore    chan<- types.HeaderType
	txWorkers chan<- PayloadSyncRequest

	mu      sync.Mutex
	pending set.Set[ids.ID]
	parked  func(delta float64)
}

// NewHeaderWaiter creates a header waiter.
func NewHeaderWaiter(
	name ids.NodeID,
	st *store.Store,
	snd sender.Sender,
	logger log.Logger,
	rx <-chan WaiterMessage,
	txCore chan<- types.HeaderType,
	txWorkers chan<- PayloadSyncRequest,
	parked func(delta float64),
) *HeaderWaiter {
	if parked == nil {
		parked = func(float64) {}
	}
	return &HeaderWaiter{
		name:      name,
		store:     st,
		sender:    snd,
		log:       logger,
		rx:        rx,
		txCore:    txCore,
		txWorkers: txWorkers,
		pending:   set.NewSet[ids.ID](0),
		parked:    parked,
	}
}

// Run processes park requests until the context ends.
func (w *HeaderWaiter) Run(ctx context.Context) {
	for {
		select {
		case msg := <-w.rx:
			w.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (w *HeaderWaiter) handle(ctx context.Context, msg WaiterMessage) {
	id := msg.Deliverable.GetID()
	w.mu.Lock()
	if w.pending.Contains(id) {
		w.mu.Unlock()
		return
	}
	w.pending.Add(id)
	w.mu.Unlock()
	w.parked(1)

	var keys [][]byte
	switch msg.Kind {
	case SyncParents:
		for _, parent := range msg.Missing {
			keys = append(keys, headerKey(parent))
		}
		// Ask the header's author for the parents we miss.
		req := encodeSyncRequest(tagSyncHeaders, &syncRequest{
			Missing:   msg.Missing,
			Requestor: w.name,
		})
		if err := w.sender.Send(ctx, msg.Deliverable.GetAuthor(), req); err != nil {
			w.log.Warn("failed to request missing parents",
				"author", msg.Deliverable.GetAuthor(),
				"error", err,
			)
		}
	case SyncPayload:
		for i, digest := range msg.Missing {
			keys = append(keys, payloadKey(digest, msg.MissingWorkers[i]))
			w.txWorkers <- PayloadSyncRequest{
				Digest:   digest,
				WorkerID: msg.MissingWorkers[i],
				Author:   msg.Deliverable.GetAuthor(),
			}
		}
	}

	go w.wait(ctx, keys, msg.Deliverable)
}

// wait blocks on every dependency and then replays the header to the Core.
// All notifications are registered up front so no write is missed.
func (w *HeaderWaiter) wait(ctx context.Context, keys [][]byte, deliver types.HeaderType) {
	waiting := make([]<-chan []byte, 0, len(keys))
	for _, key := range keys {
		ch, err := w.store.NotifyRead(ctx, key)
		if err != nil {
			w.log.Error("storage failure", "error", err)
			panic("storage failure: killing node")
		}
		waiting = append(waiting, ch)
	}
	for _, ch := range waiting {
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}

	// Clear the dedup entry before replaying so an immediate re-park of the
	// same header is not lost.
	w.mu.Lock()
	w.pending.Remove(deliver.GetID())
	w.mu.Unlock()
	w.parked(-1)

	select {
	case w.txCore <- deliver:
	case <-ctx.Done():
	}
}
