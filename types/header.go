// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the primary's message model: headers, votes,
// timeouts, no-vote messages, their certificates, and the canonical digests
// that bind them into the DAG.
package types

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"sort"

	"github.com/luxfi/ids"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/utils/set"
)

// Round is a layer of the DAG. Round 0 holds the genesis headers.
type Round = uint64

// WorkerID identifies a worker of a primary.
type WorkerID = uint32

// Header is a primary's proposal for one round: its payload batch digests
// and the certificates of the previous round it builds on. Headers are
// immutable once constructed; ID is the canonical digest of the author,
// round, payload, and parents. The timeout and no-vote certificates are not
// part of the digest.
type Header struct {
	Author      ids.NodeID
	Round       Round
	Payload     map[ids.ID]WorkerID
	Parents     set.Set[ids.ID]
	ID          ids.ID
	TimeoutCert TimeoutCert
	NoVoteCert  NoVoteCert
}

// NewHeader constructs a header and seals its digest.
func NewHeader(
	author ids.NodeID,
	round Round,
	payload map[ids.ID]WorkerID,
	parents set.Set[ids.ID],
	timeoutCert TimeoutCert,
	noVoteCert NoVoteCert,
) *Header {
	h := &Header{
		Author:      author,
		Round:       round,
		Payload:     payload,
		Parents:     parents,
		TimeoutCert: timeoutCert,
		NoVoteCert:  noVoteCert,
	}
	h.ID = h.Digest()
	return h
}

// Digest computes the canonical digest: SHA-512 truncated to 32 bytes over
// the author, little-endian round, sorted (payload digest, worker id) pairs,
// and sorted parent digests.
func (h *Header) Digest() ids.ID {
	hasher := sha512.New()
	hasher.Write(h.Author[:])
	writeUint64(hasher, h.Round)
	for _, d := range sortedDigests(h.Payload) {
		hasher.Write(d[:])
		writeUint32(hasher, h.Payload[d])
	}
	for _, p := range SortedIDs(h.Parents) {
		hasher.Write(p[:])
	}
	return truncate(hasher.Sum(nil))
}

// GetID implements HeaderType.
func (h *Header) GetID() ids.ID { return h.ID }

// GetRound implements HeaderType.
func (h *Header) GetRound() Round { return h.Round }

// GetAuthor implements HeaderType.
func (h *Header) GetAuthor() ids.NodeID { return h.Author }

// GetParents implements HeaderType.
func (h *Header) GetParents() set.Set[ids.ID] { return h.Parents }

func (*Header) typeTag() byte { return headerTag }

// Info returns the compact variant of this header.
func (h *Header) Info() *HeaderInfo {
	return &HeaderInfo{
		Author:  h.Author,
		Round:   h.Round,
		Parents: h.Parents.Clone(),
		ID:      h.ID,
	}
}

// HeaderInfo is the compact header variant: the DAG structure of a header
// without its payload body or progression certificates.
type HeaderInfo struct {
	Author  ids.NodeID
	Round   Round
	Parents set.Set[ids.ID]
	ID      ids.ID
}

// GetID implements HeaderType.
func (h *HeaderInfo) GetID() ids.ID { return h.ID }

// GetRound implements HeaderType.
func (h *HeaderInfo) GetRound() Round { return h.Round }

// GetAuthor implements HeaderType.
func (h *HeaderInfo) GetAuthor() ids.NodeID { return h.Author }

// GetParents implements HeaderType.
func (h *HeaderInfo) GetParents() set.Set[ids.ID] { return h.Parents }

func (*HeaderInfo) typeTag() byte { return headerInfoTag }

// HeaderType is the tagged union of Header and HeaderInfo. The serialized
// form distinguishes the two variants.
type HeaderType interface {
	GetID() ids.ID
	GetRound() Round
	GetAuthor() ids.NodeID
	GetParents() set.Set[ids.ID]

	typeTag() byte
}

// Genesis fabricates the round-0 headers, one per authority in canonical
// order, with empty payload and parents. Every node computes the same
// headers from the committee alone.
func Genesis(c *committee.Committee) []*Header {
	authorities := c.Authorities()
	headers := make([]*Header, 0, len(authorities))
	for _, author := range authorities {
		headers = append(headers, NewHeader(
			author,
			0,
			nil,
			nil,
			TimeoutCert{},
			NoVoteCert{},
		))
	}
	return headers
}

// GenesisDigests returns the ids of the genesis headers.
func GenesisDigests(c *committee.Committee) set.Set[ids.ID] {
	headers := Genesis(c)
	digests := set.NewSet[ids.ID](len(headers))
	for _, h := range headers {
		digests.Add(h.ID)
	}
	return digests
}

// SortedIDs returns the elements of an id set in byte order.
func SortedIDs(s set.Set[ids.ID]) []ids.ID {
	out := s.List()
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func sortedDigests(payload map[ids.ID]WorkerID) []ids.ID {
	out := make([]ids.ID, 0, len(payload))
	for d := range payload {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func truncate(sum []byte) ids.ID {
	var id ids.ID
	copy(id[:], sum[:32])
	return id
}

func writeUint64(hasher interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	hasher.Write(buf[:])
}

func writeUint32(hasher interface{ Write([]byte) (int, error) }, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	hasher.Write(buf[:])
}
