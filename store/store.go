// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store provides the primary's content-addressed storage: a durable
// KV on database.Database plus NotifyRead, which resolves once a key becomes
// present. Waiters observe DAG dependencies through this surface instead of
// holding live graph edges.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/luxfi/database"
)

// Store is safe for concurrent readers and writers. Once Write(k, v)
// returns, every pending or subsequent NotifyRead(k) resolves.
type Store struct {
	db database.Database

	mu      sync.Mutex
	pending map[string][]chan []byte
}

// New wraps a database.
func New(db database.Database) *Store {
	return &Store{
		db:      db,
		pending: make(map[string][]chan []byte),
	}
}

// Write persists a value and wakes every notification pending on the key.
// Errors are database failures and are fatal to the caller.
func (s *Store) Write(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Put(key, value); err != nil {
		return err
	}
	waiters := s.pending[string(key)]
	delete(s.pending, string(key))
	for _, ch := range waiters {
		ch <- value
		close(ch)
	}
	return nil
}

// Read returns the value for a key, or (nil, nil) if the key is absent. Any
// other error is a database failure and is fatal to the caller.
func (s *Store) Read(key []byte) ([]byte, error) {
	value, err := s.db.Get(key)
	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, database.ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// NotifyRead returns a channel that yields the key's value once it exists.
// If the key is already present the channel is ready immediately. The
// channel is closed after the value is delivered, or empty-closed if ctx is
// done first.
func (s *Store) NotifyRead(ctx context.Context, key []byte) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan []byte, 1)

	value, err := s.db.Get(key)
	switch {
	case err == nil:
		ch <- value
		close(ch)
		return ch, nil
	case !errors.Is(err, database.ErrNotFound):
		return nil, err
	}

	s.pending[string(key)] = append(s.pending[string(key)], ch)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			s.abandon(key, ch)
		}()
	}
	return ch, nil
}

// abandon drops a waiter whose context ended before the key appeared.
func (s *Store) abandon(key []byte, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters := s.pending[string(key)]
	for i, w := range waiters {
		if w == ch {
			s.pending[string(key)] = append(waiters[:i], waiters[i+1:]...)
			close(ch)
			return
		}
	}
}
