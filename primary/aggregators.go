// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/utils/set"
)

// VotesAggregator folds votes for one proposed header into a certificate.
// It emits at most once: reaching both thresholds latches the aggregator and
// later votes are absorbed silently.
type VotesAggregator struct {
	committeeWeight committee.Stake
	clanWeight      committee.Stake
	used            set.Set[ids.NodeID]
	votes           int
	aggSign         *bls.Signature
	bitmap          types.Bitmap
	headerID        ids.ID
}

// NewVotesAggregator creates an aggregator sized to the committee.
func NewVotesAggregator(com *committee.Committee) *VotesAggregator {
	return &VotesAggregator{
		used:   set.NewSet[ids.NodeID](com.Size()),
		bitmap: types.NewBitmap(com.Size()),
	}
}

// Append adds a vote. It returns a certificate on the call that first
// reaches both the committee quorum and the clan validity threshold, and nil
// on every other call. A vote from an already-counted author fails with
// ErrAuthorityReuse.
func (va *VotesAggregator) Append(
	vote *types.Vote,
	com *committee.Committee,
	clan *committee.Clan,
) (*types.Certificate, error) {
	author := vote.Author

	if va.used.Contains(author) {
		return nil, fmt.Errorf("%w: %s", ErrAuthorityReuse, author)
	}
	va.used.Add(author)

	if va.votes == 0 {
		va.headerID = vote.ID
	} else if va.headerID != vote.ID {
		// Conflicting header id for the same (round, origin); not counted.
		return nil, nil
	}

	va.committeeWeight += com.Stake(author)
	if clan.IsMember(author) {
		va.clanWeight += clan.Stake(author)
	}

	bit, err := com.BitIndex(author)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, author)
	}
	va.bitmap.Clear(bit)

	if va.votes == 0 {
		va.aggSign = vote.Signature
	} else {
		agg, err := bls.AggregateSignatures([]*bls.Signature{va.aggSign, vote.Signature})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		va.aggSign = agg
	}
	va.votes++

	if va.committeeWeight >= com.QuorumThreshold() &&
		va.clanWeight >= clan.ValidityThreshold() {
		va.committeeWeight = 0 // quorum is reached once

		return &types.Certificate{
			HeaderID:  vote.ID,
			Round:     vote.Round,
			Origin:    vote.Origin,
			Bitmap:    va.bitmap.Clone(),
			Signature: va.aggSign,
		}, nil
	}
	return nil, nil
}

// CertificatesAggregator collects one certificate per origin for a round and
// fires once every designated leader has contributed and the total stake
// reaches the quorum threshold. The emitted batch preserves insertion order.
type CertificatesAggregator struct {
	weight       committee.Stake
	certificates []*types.Certificate
	used         set.Set[ids.NodeID]
}

// NewCertificatesAggregator creates an empty per-round aggregator.
func NewCertificatesAggregator() *CertificatesAggregator {
	return &CertificatesAggregator{
		used: set.NewSet[ids.NodeID](0),
	}
}

// Append adds a certificate. Duplicate origins are ignored silently.
func (ca *CertificatesAggregator) Append(
	cert *types.Certificate,
	com *committee.Committee,
	leadersPerRound int,
) ([]*types.Certificate, error) {
	origin := cert.Origin
	if ca.used.Contains(origin) {
		return nil, nil
	}
	ca.used.Add(origin)

	ca.certificates = append(ca.certificates, cert)
	ca.weight += com.Stake(origin)

	for _, leader := range com.LeaderList(leadersPerRound, cert.Round) {
		if !ca.used.Contains(leader) {
			return nil, nil
		}
	}

	if ca.weight >= com.QuorumThreshold() {
		batch := ca.certificates
		ca.certificates = nil
		return batch, nil
	}
	return nil, nil
}

// TimeoutAggregator folds a round's timeouts into a timeout certificate.
type TimeoutAggregator struct {
	weight  committee.Stake
	entries []types.TimeoutEntry
	used    set.Set[ids.NodeID]
}

// NewTimeoutAggregator creates an empty per-round aggregator.
func NewTimeoutAggregator() *TimeoutAggregator {
	return &TimeoutAggregator{
		used: set.NewSet[ids.NodeID](0),
	}
}

// Append adds a timeout. A second timeout from the same author fails with
// ErrAuthorityReuse. The certificate is returned once stake reaches the
// quorum threshold.
func (ta *TimeoutAggregator) Append(
	timeout *types.Timeout,
	com *committee.Committee,
) (*types.TimeoutCert, error) {
	author := timeout.Author
	if ta.used.Contains(author) {
		return nil, fmt.Errorf("%w: %s", ErrAuthorityReuse, author)
	}
	ta.used.Add(author)

	ta.entries = append(ta.entries, types.TimeoutEntry{
		Author:    author,
		Signature: timeout.Signature,
	})
	ta.weight += com.Stake(author)

	if ta.weight >= com.QuorumThreshold() {
		entries := make([]types.TimeoutEntry, len(ta.entries))
		copy(entries, ta.entries)
		return &types.TimeoutCert{
			Round:   timeout.Round,
			Entries: entries,
		}, nil
	}
	return nil, nil
}

// NoVoteAggregator folds a round's no-vote messages into a no-vote
// certificate. Same shape as TimeoutAggregator.
type NoVoteAggregator struct {
	weight  committee.Stake
	entries []types.TimeoutEntry
	used    set.Set[ids.NodeID]
}

// NewNoVoteAggregator creates an empty per-round aggregator.
func NewNoVoteAggregator() *NoVoteAggregator {
	return &NoVoteAggregator{
		used: set.NewSet[ids.NodeID](0),
	}
}

// Append adds a no-vote message. A second message from the same author fails
// with ErrAuthorityReuse. The certificate is returned once stake reaches the
// quorum threshold.
func (na *NoVoteAggregator) Append(
	msg *types.NoVoteMsg,
	com *committee.Committee,
) (*types.NoVoteCert, error) {
	author := msg.Author
	if na.used.Contains(author) {
		return nil, fmt.Errorf("%w: %s", ErrAuthorityReuse, author)
	}
	na.used.Add(author)

	na.entries = append(na.entries, types.TimeoutEntry{
		Author:    author,
		Signature: msg.Signature,
	})
	na.weight += com.Stake(author)

	if na.weight >= com.QuorumThreshold() {
		entries := make([]types.TimeoutEntry, len(na.entries))
		copy(entries, na.entries)
		return &types.NoVoteCert{
			Round:   msg.Round,
			Entries: entries,
		}, nil
	}
	return nil, nil
}
