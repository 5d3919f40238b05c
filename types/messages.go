// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"crypto/sha512"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/utils/set"
)

var (
	ErrAuthorityReuse      = errors.New("authority reuse")
	ErrUnknownAuthority    = errors.New("unknown authority")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrCertificateQuorum   = errors.New("certificate does not reach the quorum threshold")
	ErrCertificateValidity = errors.New("certificate does not reach the clan validity threshold")
)

// Vote endorses one header: a BLS signature share over the header id.
// Origin is the header's author; Author is the signer.
type Vote struct {
	ID        ids.ID
	Round     Round
	Origin    ids.NodeID
	Author    ids.NodeID
	Signature *bls.Signature
}

// NewVote signs a vote for the given header.
func NewVote(header HeaderType, author ids.NodeID, sk *bls.SecretKey) (*Vote, error) {
	id := header.GetID()
	sig, err := sk.Sign(id[:])
	if err != nil {
		return nil, err
	}
	return &Vote{
		ID:        id,
		Round:     header.GetRound(),
		Origin:    header.GetAuthor(),
		Author:    author,
		Signature: sig,
	}, nil
}

// Digest computes the canonical vote digest over the header id,
// little-endian round, and origin.
func (v *Vote) Digest() ids.ID {
	hasher := sha512.New()
	hasher.Write(v.ID[:])
	writeUint64(hasher, v.Round)
	hasher.Write(v.Origin[:])
	return truncate(hasher.Sum(nil))
}

// Verify checks the signature share against the author's key.
func (v *Vote) Verify(c *committee.Committee) error {
	pk, err := c.BLSPublicKey(v.Author)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownAuthority, v.Author)
	}
	if v.Signature == nil || !bls.Verify(pk, v.Signature, v.ID[:]) {
		return fmt.Errorf("%w: vote by %s", ErrInvalidSignature, v.Author)
	}
	return nil
}

// Timeout declares that its author saw no progress in a round.
type Timeout struct {
	Round     Round
	Author    ids.NodeID
	Signature *bls.Signature
}

// NewTimeout signs a timeout for the given round.
func NewTimeout(round Round, author ids.NodeID, sk *bls.SecretKey) (*Timeout, error) {
	t := &Timeout{Round: round, Author: author}
	d := t.Digest()
	sig, err := sk.Sign(d[:])
	if err != nil {
		return nil, err
	}
	t.Signature = sig
	return t, nil
}

// Digest computes the canonical timeout digest over the little-endian round
// and author.
func (t *Timeout) Digest() ids.ID {
	hasher := sha512.New()
	writeUint64(hasher, t.Round)
	hasher.Write(t.Author[:])
	return truncate(hasher.Sum(nil))
}

// Verify checks the signature against the author's key.
func (t *Timeout) Verify(c *committee.Committee) error {
	pk, err := c.BLSPublicKey(t.Author)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownAuthority, t.Author)
	}
	d := t.Digest()
	if t.Signature == nil || !bls.Verify(pk, t.Signature, d[:]) {
		return fmt.Errorf("%w: timeout by %s", ErrInvalidSignature, t.Author)
	}
	return nil
}

// TimeoutEntry is one authority's contribution to a timeout certificate.
type TimeoutEntry struct {
	Author    ids.NodeID
	Signature *bls.Signature
}

// TimeoutCert proves that a quorum of stake timed out a round. A zero-value
// cert (no entries) means no certificate is attached.
type TimeoutCert struct {
	Round   Round
	Entries []TimeoutEntry
}

// IsEmpty returns true iff no certificate is attached.
func (tc *TimeoutCert) IsEmpty() bool {
	return len(tc.Entries) == 0
}

// Verify checks that the entries are distinct committee members whose
// signatures cover the round's timeout digest and whose stake reaches the
// quorum threshold.
func (tc *TimeoutCert) Verify(c *committee.Committee) error {
	return verifyEntries(c, tc.Round, tc.Entries)
}

// NoVoteMsg declares that its author refuses to vote for a round's leader.
type NoVoteMsg struct {
	Round     Round
	Author    ids.NodeID
	Signature *bls.Signature
}

// NewNoVoteMsg signs a no-vote message for the given round.
func NewNoVoteMsg(round Round, author ids.NodeID, sk *bls.SecretKey) (*NoVoteMsg, error) {
	m := &NoVoteMsg{Round: round, Author: author}
	d := m.Digest()
	sig, err := sk.Sign(d[:])
	if err != nil {
		return nil, err
	}
	m.Signature = sig
	return m, nil
}

// Digest computes the canonical no-vote digest over the little-endian round
// and author.
func (m *NoVoteMsg) Digest() ids.ID {
	hasher := sha512.New()
	writeUint64(hasher, m.Round)
	hasher.Write(m.Author[:])
	return truncate(hasher.Sum(nil))
}

// Verify checks the signature against the author's key.
func (m *NoVoteMsg) Verify(c *committee.Committee) error {
	pk, err := c.BLSPublicKey(m.Author)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownAuthority, m.Author)
	}
	d := m.Digest()
	if m.Signature == nil || !bls.Verify(pk, m.Signature, d[:]) {
		return fmt.Errorf("%w: no-vote by %s", ErrInvalidSignature, m.Author)
	}
	return nil
}

// NoVoteCert proves that a quorum of stake refused to vote for a round's
// leader. Same shape as TimeoutCert; the semantics differ.
type NoVoteCert struct {
	Round   Round
	Entries []TimeoutEntry
}

// IsEmpty returns true iff no certificate is attached.
func (nc *NoVoteCert) IsEmpty() bool {
	return len(nc.Entries) == 0
}

// Verify checks the entries the same way TimeoutCert.Verify does.
func (nc *NoVoteCert) Verify(c *committee.Committee) error {
	return verifyEntries(c, nc.Round, nc.Entries)
}

func verifyEntries(c *committee.Committee, round Round, entries []TimeoutEntry) error {
	used := set.NewSet[ids.NodeID](len(entries))
	var stake committee.Stake
	for _, e := range entries {
		if used.Contains(e.Author) {
			return fmt.Errorf("%w: %s", ErrAuthorityReuse, e.Author)
		}
		used.Add(e.Author)
		pk, err := c.BLSPublicKey(e.Author)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownAuthority, e.Author)
		}
		d := (&Timeout{Round: round, Author: e.Author}).Digest()
		if e.Signature == nil || !bls.Verify(pk, e.Signature, d[:]) {
			return fmt.Errorf("%w: entry by %s", ErrInvalidSignature, e.Author)
		}
		stake += c.Stake(e.Author)
	}
	if stake < c.QuorumThreshold() {
		return ErrCertificateQuorum
	}
	return nil
}

// Certificate attests that a quorum voted for one header. Votes is carried
// as a contributor bitmap plus a single aggregated signature share.
type Certificate struct {
	HeaderID  ids.ID
	Round     Round
	Origin    ids.NodeID
	Bitmap    Bitmap
	Signature *bls.Signature
}

// Digest computes the canonical certificate digest over the header id,
// little-endian round, and origin.
func (c *Certificate) Digest() ids.ID {
	hasher := sha512.New()
	hasher.Write(c.HeaderID[:])
	writeUint64(hasher, c.Round)
	hasher.Write(c.Origin[:])
	return truncate(hasher.Sum(nil))
}

// Contributors maps the cleared bitmap bits back to authorities in the
// committee's canonical order.
func (c *Certificate) Contributors(com *committee.Committee) ([]ids.NodeID, error) {
	bits := c.Bitmap.Contributors(com.Size())
	out := make([]ids.NodeID, 0, len(bits))
	for _, bit := range bits {
		nodeID, err := com.AuthorityAt(bit)
		if err != nil {
			return nil, err
		}
		out = append(out, nodeID)
	}
	return out, nil
}

// Verify checks the certificate against the committee: the aggregate
// signature must verify against the combined key of the contributing subset,
// the contributors' stake must reach the quorum threshold, and the
// intersection with the origin's clan must reach the clan's validity
// threshold.
func (c *Certificate) Verify(com *committee.Committee) error {
	contributors, err := c.Contributors(com)
	if err != nil {
		return err
	}
	if len(contributors) == 0 {
		return ErrCertificateQuorum
	}

	clan, err := com.ClanOf(c.Origin)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownAuthority, c.Origin)
	}

	var stake, clanStake committee.Stake
	pks := make([]*bls.PublicKey, 0, len(contributors))
	for _, nodeID := range contributors {
		stake += com.Stake(nodeID)
		if clan.IsMember(nodeID) {
			clanStake += clan.Stake(nodeID)
		}
		pk, err := com.BLSPublicKey(nodeID)
		if err != nil {
			return err
		}
		pks = append(pks, pk)
	}
	if stake < com.QuorumThreshold() {
		return ErrCertificateQuorum
	}
	if clanStake < clan.ValidityThreshold() {
		return ErrCertificateValidity
	}

	combined, err := bls.AggregatePublicKeys(pks)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if c.Signature == nil || !bls.Verify(combined, c.Signature, c.HeaderID[:]) {
		return fmt.Errorf("%w: certificate for %s", ErrInvalidSignature, c.HeaderID)
	}
	return nil
}
