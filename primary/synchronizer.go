// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/store"
	"github.com/luxfi/narwhal/types"
)

// Synchronizer decides whether a header's parents, a header's payload, and a
// certificate's ancestors are locally available. Missing data is delegated
// to the waiters; the synchronizer itself never blocks beyond single storage
// reads.
type Synchronizer struct {
	name    ids.NodeID
	store   *store.Store
	genesis map[ids.ID]*types.Header

	txHeaderWaiter chan<- WaiterMessage
	txCertWaiter   chan<- *types.Certificate
}

// NewSynchronizer creates a synchronizer for one primary.
func NewSynchronizer(
	name ids.NodeID,
	com *committee.Committee,
	st *store.Store,
	txHeaderWaiter chan<- WaiterMessage,
	txCertWaiter chan<- *types.Certificate,
) *Synchronizer {
	genesis := make(map[ids.ID]*types.Header)
	for _, h := range types.Genesis(com) {
		genesis[h.ID] = h
	}
	return &Synchronizer{
		name:           name,
		store:          st,
		genesis:        genesis,
		txHeaderWaiter: txHeaderWaiter,
		txCertWaiter:   txCertWaiter,
	}
}

// GetParents returns the parents of a header if all are available. Genesis
// digests resolve to the local genesis headers. If any parent is missing,
// the header is handed to the HeaderWaiter and the empty slice is returned.
func (s *Synchronizer) GetParents(header types.HeaderType) ([]types.HeaderType, error) {
	var (
		missing []ids.ID
		parents []types.HeaderType
	)
	for _, parent := range types.SortedIDs(header.GetParents()) {
		if g, ok := s.genesis[parent]; ok {
			parents = append(parents, g)
			continue
		}
		value, err := s.store.Read(headerKey(parent))
		if err != nil {
			return nil, fmt.Errorf("storage failure: %w", err)
		}
		if value == nil {
			missing = append(missing, parent)
			continue
		}
		stored, err := types.UnmarshalHeaderType(value)
		if err != nil {
			return nil, fmt.Errorf("corrupt stored header %s: %w", parent, err)
		}
		parents = append(parents, stored)
	}

	if len(missing) == 0 {
		return parents, nil
	}
	s.txHeaderWaiter <- WaiterMessage{
		Kind:        SyncParents,
		Missing:     missing,
		Deliverable: header,
	}
	return nil, nil
}

// MissingPayload returns true if a remote header references worker batches
// this primary has not stored yet. Missing batches are handed to the
// HeaderWaiter, which also triggers worker fetches. Own headers never miss
// payload.
func (s *Synchronizer) MissingPayload(header *types.Header) (bool, error) {
	if header.Author == s.name {
		return false, nil
	}
	var missing []ids.ID
	var workers []types.WorkerID
	for digest, workerID := range header.Payload {
		value, err := s.store.Read(payloadKey(digest, workerID))
		if err != nil {
			return false, fmt.Errorf("storage failure: %w", err)
		}
		if value == nil {
			missing = append(missing, digest)
			workers = append(workers, workerID)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}
	s.txHeaderWaiter <- WaiterMessage{
		Kind:           SyncPayload,
		Missing:        missing,
		MissingWorkers: workers,
		Deliverable:    header,
	}
	return true, nil
}

// DeliverCertificate reports whether all ancestors of a certificate are
// available: the certified header and a certificate for each of its
// non-genesis parents. Otherwise the certificate is handed to the
// CertificateWaiter and false is returned.
func (s *Synchronizer) DeliverCertificate(cert *types.Certificate) (bool, error) {
	value, err := s.store.Read(headerKey(cert.HeaderID))
	if err != nil {
		return false, fmt.Errorf("storage failure: %w", err)
	}
	if value == nil {
		s.txCertWaiter <- cert
		return false, nil
	}

	header, err := types.UnmarshalHeaderType(value)
	if err != nil {
		return false, fmt.Errorf("corrupt stored header %s: %w", cert.HeaderID, err)
	}
	for parent := range header.GetParents() {
		if _, ok := s.genesis[parent]; ok {
			continue
		}
		stored, err := s.store.Read(certKey(parent))
		if err != nil {
			return false, fmt.Errorf("storage failure: %w", err)
		}
		if stored == nil {
			s.txCertWaiter <- cert
			return false, nil
		}
	}
	return true, nil
}

// IsGenesis reports whether a digest names a genesis header.
func (s *Synchronizer) IsGenesis(id ids.ID) bool {
	_, ok := s.genesis[id]
	return ok
}
