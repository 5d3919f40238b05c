// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/types"
)

func TestVotesQuorumAtExactThreshold(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	header := headerOnGenesis(t, com, authorities[0])
	clan, err := com.ClanOf(header.Author)
	require.NoError(err)

	agg := NewVotesAggregator(com)

	// Two votes: below quorum, no certificate.
	for _, voter := range authorities[:2] {
		cert, err := agg.Append(signedVote(t, keys, header, voter), com, clan)
		require.NoError(err)
		require.Nil(cert)
	}

	// The third distinct vote crosses Q=3 and V_clan=2 at once.
	cert, err := agg.Append(signedVote(t, keys, header, authorities[2]), com, clan)
	require.NoError(err)
	require.NotNil(cert)
	require.Equal(header.ID, cert.HeaderID)
	require.Equal(header.Author, cert.Origin)

	// Three contributor bits cleared, one still set.
	contributors := cert.Bitmap.Contributors(com.Size())
	require.Len(contributors, 3)
	require.NoError(cert.Verify(com))

	// The aggregator latches: a fourth vote is absorbed silently.
	cert, err = agg.Append(signedVote(t, keys, header, authorities[3]), com, clan)
	require.NoError(err)
	require.Nil(cert)
}

func TestVotesDuplicateAuthor(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	header := headerOnGenesis(t, com, authorities[0])
	clan, err := com.ClanOf(header.Author)
	require.NoError(err)

	agg := NewVotesAggregator(com)

	cert, err := agg.Append(signedVote(t, keys, header, authorities[1]), com, clan)
	require.NoError(err)
	require.Nil(cert)

	_, err = agg.Append(signedVote(t, keys, header, authorities[1]), com, clan)
	require.ErrorIs(err, ErrAuthorityReuse)
}

func TestVotesClanValidityGate(t *testing.T) {
	require := require.New(t)

	// Clan X holds 0,1,2 with stake 1 each (T_clan=3, V_clan=2); clan Y
	// holds 3,4,5 with stake 2 each. T=9, Q=7.
	com, keys := newTestCommittee(t,
		[]committee.Stake{1, 1, 1, 2, 2, 2},
		[]uint32{0, 0, 0, 1, 1, 1},
	)

	var clanX, clanY []ids.NodeID
	for _, nodeID := range com.Authorities() {
		clan, err := com.ClanOf(nodeID)
		require.NoError(err)
		if clan.ID() == 0 {
			clanX = append(clanX, nodeID)
		} else {
			clanY = append(clanY, nodeID)
		}
	}

	header := headerOnGenesis(t, com, clanX[0])
	clan, err := com.ClanOf(header.Author)
	require.NoError(err)

	agg := NewVotesAggregator(com)

	// One clan X vote plus all of clan Y: stake 7 meets Q but clan X stake
	// 1 stays below V_clan=2, so the aggregator must not emit.
	voters := append([]ids.NodeID{clanX[1]}, clanY...)
	for _, voter := range voters {
		cert, err := agg.Append(signedVote(t, keys, header, voter), com, clan)
		require.NoError(err)
		require.Nil(cert)
	}

	// A second clan X vote satisfies both thresholds.
	cert, err := agg.Append(signedVote(t, keys, header, clanX[2]), com, clan)
	require.NoError(err)
	require.NotNil(cert)
	require.NoError(cert.Verify(com))
}

func TestCertificatesAggregatorWaitsForLeaders(t *testing.T) {
	require := require.New(t)

	const leadersPerRound = 2
	com, keys := equalStakeCommittee(t)
	headers := headersByAuthor(t, com)
	leaders := com.LeaderList(leadersPerRound, 1)
	followers := nonLeaders(com, leadersPerRound, 1)

	agg := NewCertificatesAggregator()

	// All non-leader certificates: quorum-sized stake can accumulate, but
	// nothing fires until every leader contributed.
	voters := com.Authorities()
	for _, origin := range followers {
		cert := certificateFor(t, com, keys, headers[origin], voters[:3])
		batch, err := agg.Append(cert, com, leadersPerRound)
		require.NoError(err)
		require.Nil(batch)
	}

	first := certificateFor(t, com, keys, headers[leaders[0]], voters[:3])
	batch, err := agg.Append(first, com, leadersPerRound)
	require.NoError(err)
	require.Nil(batch)

	// Duplicate origin is ignored silently.
	batch, err = agg.Append(first, com, leadersPerRound)
	require.NoError(err)
	require.Nil(batch)

	// The last leader completes the set and stake is already ≥ Q: the
	// accumulated batch is emitted in insertion order.
	last := certificateFor(t, com, keys, headers[leaders[1]], voters[:3])
	batch, err = agg.Append(last, com, leadersPerRound)
	require.NoError(err)
	require.Len(batch, com.Size())
	require.Equal(headers[followers[0]].ID, batch[0].HeaderID)
	require.Equal(last.HeaderID, batch[len(batch)-1].HeaderID)
}

func TestTimeoutAggregatorQuorum(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()

	agg := NewTimeoutAggregator()

	for _, author := range authorities[:2] {
		timeout, err := types.NewTimeout(1, author, keys[author])
		require.NoError(err)
		cert, err := agg.Append(timeout, com)
		require.NoError(err)
		require.Nil(cert)
	}

	dup, err := types.NewTimeout(1, authorities[0], keys[authorities[0]])
	require.NoError(err)
	_, err = agg.Append(dup, com)
	require.ErrorIs(err, ErrAuthorityReuse)

	last, err := types.NewTimeout(1, authorities[2], keys[authorities[2]])
	require.NoError(err)
	cert, err := agg.Append(last, com)
	require.NoError(err)
	require.NotNil(cert)
	require.Equal(types.Round(1), cert.Round)
	require.NoError(cert.Verify(com))
}

func TestNoVoteAggregatorQuorum(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()

	agg := NewNoVoteAggregator()

	for _, author := range authorities[:2] {
		msg, err := types.NewNoVoteMsg(2, author, keys[author])
		require.NoError(err)
		cert, err := agg.Append(msg, com)
		require.NoError(err)
		require.Nil(cert)
	}

	dup, err := types.NewNoVoteMsg(2, authorities[1], keys[authorities[1]])
	require.NoError(err)
	_, err = agg.Append(dup, com)
	require.ErrorIs(err, ErrAuthorityReuse)

	last, err := types.NewNoVoteMsg(2, authorities[3], keys[authorities[3]])
	require.NoError(err)
	cert, err := agg.Append(last, com)
	require.NoError(err)
	require.NotNil(cert)
	require.Equal(types.Round(2), cert.Round)
	require.NoError(cert.Verify(com))
}
