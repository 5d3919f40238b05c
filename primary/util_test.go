// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"testing"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/utils/set"
)

// newTestCommittee builds a deterministic committee with per-authority
// secret keys.
func newTestCommittee(t *testing.T, stakes []committee.Stake, clanIDs []uint32) (*committee.Committee, map[ids.NodeID]*bls.SecretKey) {
	t.Helper()

	keys := make(map[ids.NodeID]*bls.SecretKey, len(stakes))
	authorities := make([]committee.Authority, 0, len(stakes))
	for i := range stakes {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		sk, err := bls.SecretKeyFromSeed(seed)
		require.NoError(t, err)
		nodeID := ids.BuildTestNodeID([]byte{byte(i + 1)})
		keys[nodeID] = sk
		authorities = append(authorities, committee.Authority{
			NodeID:       nodeID,
			Stake:        stakes[i],
			ClanID:       clanIDs[i],
			BLSPublicKey: sk.PublicKey(),
		})
	}
	com, err := committee.New(authorities)
	require.NoError(t, err)
	return com, keys
}

// equalStakeCommittee is the 4-node single-clan fixture: T=4, Q=3, V_clan=2.
func equalStakeCommittee(t *testing.T) (*committee.Committee, map[ids.NodeID]*bls.SecretKey) {
	t.Helper()
	return newTestCommittee(t,
		[]committee.Stake{1, 1, 1, 1},
		[]uint32{0, 0, 0, 0},
	)
}

// headerOnGenesis builds a round-1 header on top of the genesis layer.
func headerOnGenesis(t *testing.T, com *committee.Committee, author ids.NodeID) *types.Header {
	t.Helper()
	return types.NewHeader(
		author,
		1,
		map[ids.ID]types.WorkerID{},
		types.GenesisDigests(com),
		types.TimeoutCert{},
		types.NoVoteCert{},
	)
}

// signedVote builds one authority's vote for a header.
func signedVote(t *testing.T, keys map[ids.NodeID]*bls.SecretKey, header *types.Header, author ids.NodeID) *types.Vote {
	t.Helper()
	vote, err := types.NewVote(header, author, keys[author])
	require.NoError(t, err)
	return vote
}

// certificateFor aggregates votes from the given authorities into a
// certificate via a fresh VotesAggregator.
func certificateFor(
	t *testing.T,
	com *committee.Committee,
	keys map[ids.NodeID]*bls.SecretKey,
	header *types.Header,
	voters []ids.NodeID,
) *types.Certificate {
	t.Helper()

	clan, err := com.ClanOf(header.Author)
	require.NoError(t, err)

	agg := NewVotesAggregator(com)
	var cert *types.Certificate
	for _, voter := range voters {
		out, err := agg.Append(signedVote(t, keys, header, voter), com, clan)
		require.NoError(t, err)
		if out != nil {
			cert = out
		}
	}
	require.NotNil(t, cert)
	return cert
}

// headersByAuthor builds one round-1 header per authority.
func headersByAuthor(t *testing.T, com *committee.Committee) map[ids.NodeID]*types.Header {
	t.Helper()
	headers := make(map[ids.NodeID]*types.Header, com.Size())
	for _, nodeID := range com.Authorities() {
		headers[nodeID] = headerOnGenesis(t, com, nodeID)
	}
	return headers
}

// timeoutCertFor aggregates timeouts from the given authorities.
func timeoutCertFor(
	t *testing.T,
	com *committee.Committee,
	keys map[ids.NodeID]*bls.SecretKey,
	round types.Round,
	authors []ids.NodeID,
) *types.TimeoutCert {
	t.Helper()

	agg := NewTimeoutAggregator()
	var cert *types.TimeoutCert
	for _, author := range authors {
		timeout, err := types.NewTimeout(round, author, keys[author])
		require.NoError(t, err)
		out, err := agg.Append(timeout, com)
		require.NoError(t, err)
		if out != nil {
			cert = out
		}
	}
	require.NotNil(t, cert)
	return cert
}

// nonLeaders returns authorities that are not designated leaders of the
// round.
func nonLeaders(com *committee.Committee, leadersPerRound int, round types.Round) []ids.NodeID {
	leaders := set.Of(com.LeaderList(leadersPerRound, round)...)
	var out []ids.NodeID
	for _, nodeID := range com.Authorities() {
		if !leaders.Contains(nodeID) {
			out = append(out, nodeID)
		}
	}
	return out
}
