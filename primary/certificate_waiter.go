// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/narwhal/store"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/utils/set"
)

// CertificateWaiter parks certificates whose ancestors are not yet in
// storage and loops them back to the Core when the missing data appears. If
// the certified header itself is missing, the waiter fires when the header
// arrives and the Core resubmits.
type CertificateWaiter struct {
	store   *store.Store
	log     log.Logger
	genesis set.Set[ids.ID]

	rx     <-chan *types.Certificate
	txCore chan<- *types.Certificate

	mu      sync.Mutex
	pending set.Set[ids.ID]
	parked  func(delta float64)
}

// NewCertificateWaiter creates a certificate waiter.
func NewCertificateWaiter(
	st *store.Store,
	logger log.Logger,
	genesis set.Set[ids.ID],
	rx <-chan *types.Certificate,
	txCore chan<- *types.Certificate,
	parked func(delta float64),
) *CertificateWaiter {
	if parked == nil {
		parked = func(float64) {}
	}
	return &CertificateWaiter{
		store:   st,
		log:     logger,
		genesis: genesis,
		rx:      rx,
		txCore:  txCore,
		pending: set.NewSet[ids.ID](0),
		parked:  parked,
	}
}

// Run processes park requests until the context ends.
func (w *CertificateWaiter) Run(ctx context.Context) {
	for {
		select {
		case cert := <-w.rx:
			w.handle(ctx, cert)
		case <-ctx.Done():
			return
		}
	}
}

func (w *CertificateWaiter) handle(ctx context.Context, cert *types.Certificate) {
	w.mu.Lock()
	if w.pending.Contains(cert.HeaderID) {
		w.mu.Unlock()
		return
	}
	w.pending.Add(cert.HeaderID)
	w.mu.Unlock()
	w.parked(1)

	// If the certified header is stored, the dependencies are its parents'
	// certificates; otherwise the dependency is the header itself.
	var keys [][]byte
	value, err := w.store.Read(headerKey(cert.HeaderID))
	if err != nil {
		w.log.Error("storage failure", "error", err)
		panic("storage failure: killing node")
	}
	if value != nil {
		header, err := types.UnmarshalHeaderType(value)
		if err != nil {
			w.log.Error("corrupt stored header", "id", cert.HeaderID, "error", err)
			panic("storage failure: killing node")
		}
		for parent := range header.GetParents() {
			if w.genesis.Contains(parent) {
				continue
			}
			keys = append(keys, certKey(parent))
		}
	} else {
		keys = append(keys, headerKey(cert.HeaderID))
	}

	go w.wait(ctx, keys, cert)
}

// wait blocks on every dependency and then loops the certificate back to
// the Core. All notifications are registered up front so no write is
// missed.
func (w *CertificateWaiter) wait(ctx context.Context, keys [][]byte, cert *types.Certificate) {
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
	// same certificate is not lost.
	w.mu.Lock()
	w.pending.Remove(cert.HeaderID)
	w.mu.Unlock()
	w.parked(-1)

	select {
	case w.txCore <- cert:
	case <-ctx.Done():
	}
}
