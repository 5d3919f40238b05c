// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/types"
)

func startProposer(t *testing.T, p *Proposer) (context.CancelFunc, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	return cancel, func() { cancel(); <-done }
}

func TestProposerOneHeaderPerRound(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	self := authorities[0]

	params := config.Local()
	rxCore := make(chan ProposerCommand, 8)
	rxWorkers := make(chan PayloadDigest, 8)
	txCore := make(chan *types.Header, 8)

	p := NewProposer(self, com, params, log.NewNoOpLogger(), rxCore, rxWorkers, txCore)
	_, stop := startProposer(t, p)
	defer stop()

	// Round 1 proposes on top of genesis, empty payload after the header
	// delay.
	var first *types.Header
	select {
	case first = <-txCore:
	case <-time.After(time.Second):
		require.FailNow("expected a round-1 header")
	}
	require.Equal(types.Round(1), first.Round)
	require.Equal(self, first.Author)
	require.True(first.Parents.Equals(types.GenesisDigests(com)))

	// No second header for the same round.
	select {
	case h := <-txCore:
		require.FailNowf("unexpected header", "round %d", h.Round)
	case <-time.After(3 * params.MaxHeaderDelay):
	}

	// A parent quorum for round 1 moves the proposer to round 2.
	headers := headersByAuthor(t, com)
	parents := make([]*types.Certificate, 0, 3)
	for _, origin := range authorities[:3] {
		parents = append(parents, certificateFor(t, com, keys, headers[origin], authorities[:3]))
	}
	// Include the round-1 leader so no timeout evidence is needed.
	leader := com.LeaderList(params.LeadersPerRound, 1)[0]
	leaderIncluded := false
	for _, cert := range parents {
		if cert.Origin == leader {
			leaderIncluded = true
		}
	}
	if !leaderIncluded {
		parents = append(parents, certificateFor(t, com, keys, headers[leader], authorities[:3]))
	}
	rxWorkers <- PayloadDigest{Digest: ids.GenerateTestID(), WorkerID: 0}
	rxCore <- ProposerCommand{Round: 1, Parents: parents}

	var second *types.Header
	select {
	case second = <-txCore:
	case <-time.After(time.Second):
		require.FailNow("expected a round-2 header")
	}
	require.Equal(types.Round(2), second.Round)
	require.Len(second.Payload, 1)
	require.True(second.TimeoutCert.IsEmpty())
	for _, cert := range parents {
		require.True(second.Parents.Contains(cert.HeaderID))
	}

	// Replaying the same quorum does not produce a second round-2 header.
	rxCore <- ProposerCommand{Round: 1, Parents: parents}
	select {
	case h := <-txCore:
		require.FailNowf("unexpected header", "round %d", h.Round)
	case <-time.After(3 * params.MaxHeaderDelay):
	}
}

func TestProposerAttachesTimeoutCert(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	self := authorities[0]

	params := config.Local()
	rxCore := make(chan ProposerCommand, 8)
	rxWorkers := make(chan PayloadDigest, 8)
	txCore := make(chan *types.Header, 8)

	p := NewProposer(self, com, params, log.NewNoOpLogger(), rxCore, rxWorkers, txCore)
	_, stop := startProposer(t, p)
	defer stop()

	// Drain the round-1 header.
	select {
	case <-txCore:
	case <-time.After(time.Second):
		require.FailNow("expected a round-1 header")
	}

	// Parents for round 1 without the leader: the proposer must hold the
	// round-2 header until a timeout certificate arrives.
	leader := com.LeaderList(params.LeadersPerRound, 1)[0]
	headers := headersByAuthor(t, com)
	var parents []*types.Certificate
	var contributors []ids.NodeID
	for _, origin := range authorities {
		if origin == leader {
			continue
		}
		contributors = append(contributors, origin)
		parents = append(parents, certificateFor(t, com, keys, headers[origin], authorities[:3]))
	}
	rxCore <- ProposerCommand{Round: 1, Parents: parents}

	select {
	case h := <-txCore:
		require.FailNowf("header before timeout evidence", "round %d", h.Round)
	case <-time.After(3 * params.MaxHeaderDelay):
	}

	tc := timeoutCertFor(t, com, keys, 1, contributors)
	rxCore <- ProposerCommand{Round: 1, TimeoutCert: tc}

	var header *types.Header
	select {
	case header = <-txCore:
	case <-time.After(time.Second):
		require.FailNow("expected a round-2 header with timeout evidence")
	}
	require.Equal(types.Round(2), header.Round)
	require.False(header.TimeoutCert.IsEmpty())
	require.Equal(types.Round(1), header.TimeoutCert.Round)
	require.NoError(header.TimeoutCert.Verify(com))
}
