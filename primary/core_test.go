// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"
	"testing"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/networking/sender"
	"github.com/luxfi/narwhal/primary/primarymock"
	"github.com/luxfi/narwhal/store"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/utils/set"
)

type coreFixture struct {
	core   *Core
	store  *store.Store
	sender *primarymock.MockSender

	headerWaiterCh chan WaiterMessage
	certWaiterCh   chan *types.Certificate
	proposerCmdCh  chan ProposerCommand
	consensusCh    chan *types.Certificate
	helperCh       chan helperRequest
}

func newCoreFixture(
	t *testing.T,
	com *committee.Committee,
	self ids.NodeID,
	sk *bls.SecretKey,
	params config.Parameters,
	snd sender.Sender,
) *coreFixture {
	t.Helper()

	st := store.New(memdb.New())
	m, err := newMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	f := &coreFixture{
		store:          st,
		headerWaiterCh: make(chan WaiterMessage, 64),
		certWaiterCh:   make(chan *types.Certificate, 64),
		proposerCmdCh:  make(chan ProposerCommand, 64),
		consensusCh:    make(chan *types.Certificate, 64),
		helperCh:       make(chan helperRequest, 64),
	}
	if mock, ok := snd.(*primarymock.MockSender); ok {
		f.sender = mock
	}

	sync := NewSynchronizer(self, com, st, f.headerWaiterCh, f.certWaiterCh)
	f.core = NewCore(
		self,
		sk,
		com,
		params,
		st,
		sync,
		snd,
		log.NewNoOpLogger(),
		m,
		make(chan *message),
		make(chan types.HeaderType),
		make(chan *types.Certificate),
		make(chan *types.Header),
		f.proposerCmdCh,
		f.consensusCh,
		f.helperCh,
	)
	return f
}

func TestCoreVotesOncePerHeader(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	self, origin := authorities[0], authorities[1]

	ctrl := gomock.NewController(t)
	snd := primarymock.NewMockSender(ctrl)
	// Exactly one vote leaves for the origin however often the header
	// arrives.
	snd.EXPECT().
		Send(gomock.Any(), origin, gomock.Any()).
		Return(nil).
		Times(1)

	f := newCoreFixture(t, com, self, keys[self], config.Local(), snd)
	header := headerOnGenesis(t, com, origin)

	require.NoError(f.core.processHeader(context.Background(), header))
	require.NoError(f.core.processHeader(context.Background(), header))
}

func TestCoreRejectsBelowGCHorizon(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	self := com.Authorities()[0]

	ctrl := gomock.NewController(t)
	snd := primarymock.NewMockSender(ctrl)

	params := config.Local()
	params.GCDepth = 2
	f := newCoreFixture(t, com, self, keys[self], params, snd)

	f.core.advance(5) // horizon is now round 3

	header := headerOnGenesis(t, com, com.Authorities()[1])
	err := f.core.processHeader(context.Background(), header)
	require.ErrorIs(err, ErrStaleRound)

	vote := signedVote(t, keys, header, self)
	err = f.core.processVote(context.Background(), vote)
	require.ErrorIs(err, ErrStaleRound)

	cert := certificateFor(t, com, keys, header, com.Authorities()[:3])
	err = f.core.processCertificate(context.Background(), cert)
	require.ErrorIs(err, ErrStaleRound)
}

func TestCoreRejectsMalformedAndUnknown(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	self := com.Authorities()[0]

	ctrl := gomock.NewController(t)
	snd := primarymock.NewMockSender(ctrl)
	f := newCoreFixture(t, com, self, keys[self], config.Local(), snd)

	// Unknown author.
	stranger := headerOnGenesis(t, com, com.Authorities()[1])
	stranger.Author = ids.BuildTestNodeID([]byte{0xee})
	err := f.core.processHeader(context.Background(), stranger)
	require.ErrorIs(err, ErrUnknownAuthority)

	// Tampered id.
	tampered := headerOnGenesis(t, com, com.Authorities()[1])
	tampered.ID = ids.GenerateTestID()
	err = f.core.processHeader(context.Background(), tampered)
	require.ErrorIs(err, ErrMalformedHeader)
}

func TestCoreCertificatesAdvanceRound(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	self := authorities[0]

	ctrl := gomock.NewController(t)
	snd := primarymock.NewMockSender(ctrl)
	f := newCoreFixture(t, com, self, keys[self], config.Local(), snd)

	headers := headersByAuthor(t, com)
	for _, h := range headers {
		require.NoError(f.store.Write(headerKey(h.ID), types.MarshalHeaderType(h)))
	}

	leader := com.LeaderList(1, 1)[0]
	require.Equal(types.Round(1), f.core.Round())

	// Quorum-sized stake without the leader does not advance the round.
	fed := 0
	for _, origin := range authorities {
		if origin == leader {
			continue
		}
		cert := certificateFor(t, com, keys, headers[origin], authorities[:3])
		require.NoError(f.core.processCertificate(context.Background(), cert))
		fed++
	}
	require.Equal(3, fed)
	require.Equal(types.Round(1), f.core.Round())
	require.Empty(f.consensusCh)

	// The leader's certificate completes the set and triggers advancement.
	leaderCert := certificateFor(t, com, keys, headers[leader], authorities[:3])
	require.NoError(f.core.processCertificate(context.Background(), leaderCert))
	require.Equal(types.Round(2), f.core.Round())

	// The emitted batch reaches the downstream consumer in insertion order
	// and the proposer gets the parents.
	require.Len(f.consensusCh, com.Size())
	cmd := <-f.proposerCmdCh
	require.Equal(types.Round(1), cmd.Round)
	require.Len(cmd.Parents, com.Size())
}

func TestCoreVoteAggregationEmitsCertificate(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	self := authorities[0]

	ctrl := gomock.NewController(t)
	snd := primarymock.NewMockSender(ctrl)
	// The assembled certificate is broadcast exactly once.
	snd.EXPECT().
		Broadcast(gomock.Any(), gomock.Any()).
		Return(nil).
		Times(1)

	f := newCoreFixture(t, com, self, keys[self], config.Local(), snd)

	header := headerOnGenesis(t, com, self)
	require.NoError(f.store.Write(headerKey(header.ID), types.MarshalHeaderType(header)))

	for _, voter := range authorities[:2] {
		require.NoError(f.core.processVote(context.Background(), signedVote(t, keys, header, voter)))
	}
	require.Empty(f.consensusCh)

	require.NoError(f.core.processVote(context.Background(), signedVote(t, keys, header, authorities[2])))

	// The certificate was also applied locally.
	stored, err := f.store.Read(certKey(header.ID))
	require.NoError(err)
	require.NotNil(stored)

	cert, err := types.UnmarshalCertificate(stored)
	require.NoError(err)
	require.NoError(cert.Verify(com))

	// Duplicate vote from an already-counted author errors.
	err = f.core.processVote(context.Background(), signedVote(t, keys, header, authorities[1]))
	require.ErrorIs(err, ErrAuthorityReuse)
}

func TestCoreTimeoutPath(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	self := authorities[0]

	ctrl := gomock.NewController(t)
	snd := primarymock.NewMockSender(ctrl)
	snd.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	f := newCoreFixture(t, com, self, keys[self], config.Local(), snd)

	// Round-1 leader is silent: parents for round 2 are the other three.
	leader := com.LeaderList(1, 1)[0]
	var parentAuthors []ids.NodeID
	for _, nodeID := range authorities {
		if nodeID != leader {
			parentAuthors = append(parentAuthors, nodeID)
		}
	}

	headers := headersByAuthor(t, com)
	parents := set.NewSet[ids.ID](len(parentAuthors))
	for _, nodeID := range parentAuthors {
		h := headers[nodeID]
		require.NoError(f.store.Write(headerKey(h.ID), types.MarshalHeaderType(h)))
		parents.Add(h.ID)
	}

	// Without a timeout certificate the header is rejected.
	bare := types.NewHeader(
		parentAuthors[0],
		2,
		map[ids.ID]types.WorkerID{},
		parents.Clone(),
		types.TimeoutCert{},
		types.NoVoteCert{},
	)
	err := f.core.processHeader(context.Background(), bare)
	require.ErrorIs(err, ErrMissingTimeoutCert)

	// With a quorum timeout certificate for round 1 it is accepted even
	// though the round-1 leader certificate is absent from its parents.
	tc := timeoutCertFor(t, com, keys, 1, parentAuthors)
	justified := types.NewHeader(
		parentAuthors[0],
		2,
		map[ids.ID]types.WorkerID{},
		parents.Clone(),
		*tc,
		types.NoVoteCert{},
	)
	require.NoError(f.core.processHeader(context.Background(), justified))

	stored, err := f.store.Read(headerKey(justified.ID))
	require.NoError(err)
	require.NotNil(stored)
}

func TestCoreTimeoutAggregationFeedsProposer(t *testing.T) {
	require := require.New(t)

	com, keys := equalStakeCommittee(t)
	authorities := com.Authorities()
	self := authorities[0]

	ctrl := gomock.NewController(t)
	snd := primarymock.NewMockSender(ctrl)
	f := newCoreFixture(t, com, self, keys[self], config.Local(), snd)

	for _, author := range authorities[:2] {
		timeout, err := types.NewTimeout(1, author, keys[author])
		require.NoError(err)
		require.NoError(f.core.processTimeout(timeout))
	}
	require.Empty(f.proposerCmdCh)

	last, err := types.NewTimeout(1, authorities[2], keys[authorities[2]])
	require.NoError(err)
	require.NoError(f.core.processTimeout(last))

	cmd := <-f.proposerCmdCh
	require.NotNil(cmd.TimeoutCert)
	require.Equal(types.Round(1), cmd.TimeoutCert.Round)
	require.NoError(cmd.TimeoutCert.Verify(com))
}
