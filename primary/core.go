// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/networking/sender"
	"github.com/luxfi/narwhal/store"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/utils/set"
)

// aggKey scopes a VotesAggregator to one proposed header.
type aggKey struct {
	round  types.Round
	origin ids.NodeID
}

// ProposerCommand carries round-progression evidence from the Core to the
// Proposer: a parent quorum, a timeout certificate, or a no-vote
// certificate.
type ProposerCommand struct {
	Round       types.Round
	Parents     []*types.Certificate
	TimeoutCert *types.TimeoutCert
	NoVoteCert  *types.NoVoteCert
}

// Core validates and applies headers, votes, timeouts, no-votes, and
// certificates, and drives the per-round state. It owns all aggregators and
// is the only task that touches them.
type Core struct {
	name      ids.NodeID
	sk        *bls.SecretKey
	committee *committee.Committee
	params    config.Parameters
	store     *store.Store
	sync      *Synchronizer
	sender    sender.Sender
	log       log.Logger
	metrics   *metrics

	rxMessages     <-chan *message
	rxHeaderWaiter <-chan types.HeaderType
	rxCertWaiter   <-chan *types.Certificate
	rxProposer     <-chan *types.Header
	txProposer     chan<- ProposerCommand
	txConsensus    chan<- *types.Certificate
	txHelper       chan<- helperRequest

	round   types.Round
	gcRound types.Round

	lastVoted          map[types.Round]set.Set[ids.NodeID]
	votesAggregators   map[aggKey]*VotesAggregator
	certAggregators    map[types.Round]*CertificatesAggregator
	timeoutAggregators map[types.Round]*TimeoutAggregator
	noVoteAggregators  map[types.Round]*NoVoteAggregator

	timedOut   bool
	leaderSeen bool
}

// NewCore wires a core. All channels are owned by the Primary.
func NewCore(
	name ids.NodeID,
	sk *bls.SecretKey,
	com *committee.Committee,
	params config.Parameters,
	st *store.Store,
	sync *Synchronizer,
	snd sender.Sender,
	logger log.Logger,
	m *metrics,
	rxMessages <-chan *message,
	rxHeaderWaiter <-chan types.HeaderType,
	rxCertWaiter <-chan *types.Certificate,
	rxProposer <-chan *types.Header,
	txProposer chan<- ProposerCommand,
	txConsensus chan<- *types.Certificate,
	txHelper chan<- helperRequest,
) *Core {
	return &Core{
		name:               name,
		sk:                 sk,
		committee:          com,
		params:             params,
		store:              st,
		sync:               sync,
		sender:             snd,
		log:                logger,
		metrics:            m,
		rxMessages:         rxMessages,
		rxHeaderWaiter:     rxHeaderWaiter,
		rxCertWaiter:       rxCertWaiter,
		rxProposer:         rxProposer,
		txProposer:         txProposer,
		txConsensus:        txConsensus,
		txHelper:           txHelper,
		round:              1,
		lastVoted:          make(map[types.Round]set.Set[ids.NodeID]),
		votesAggregators:   make(map[aggKey]*VotesAggregator),
		certAggregators:    make(map[types.Round]*CertificatesAggregator),
		timeoutAggregators: make(map[types.Round]*TimeoutAggregator),
		noVoteAggregators:  make(map[types.Round]*NoVoteAggregator),
	}
}

// Round returns the current round.
func (c *Core) Round() types.Round {
	return c.round
}

// Run processes messages until the context ends. Validation failures are
// logged and dropped; storage failures panic.
func (c *Core) Run(ctx context.Context) {
	timer := time.NewTimer(c.params.TimeoutDelay)
	defer timer.Stop()

	for {
		round := c.round
		var err error
		select {
		case msg := <-c.rxMessages:
			err = c.handleMessage(ctx, msg)
		case header := <-c.rxHeaderWaiter:
			err = c.processHeader(ctx, header)
		case cert := <-c.rxCertWaiter:
			err = c.processCertificate(ctx, cert)
		case header := <-c.rxProposer:
			err = c.processOwnHeader(ctx, header)
		case <-timer.C:
			c.onRoundTimeout(ctx)
			timer.Reset(c.params.TimeoutDelay)
			continue
		case <-ctx.Done():
			return
		}
		if err != nil {
			c.log.Warn("dropping message", "error", err)
		}
		if c.round != round {
			// A new round gets the full timeout delay.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.params.TimeoutDelay)
		}
	}
}

func (c *Core) handleMessage(ctx context.Context, msg *message) error {
	switch msg.tag {
	case tagHeader:
		return c.processHeader(ctx, msg.header)
	case tagVote:
		return c.processVote(ctx, msg.vote)
	case tagCertificate:
		return c.processCertificate(ctx, msg.certificate)
	case tagTimeout:
		return c.processTimeout(msg.timeout)
	case tagNoVote:
		return c.processNoVote(msg.noVote)
	case tagSyncHeaders, tagSyncCertificates:
		c.txHelper <- helperRequest{
			missing:      msg.sync.Missing,
			requestor:    msg.sync.Requestor,
			certificates: msg.tag == tagSyncCertificates,
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessage, msg.tag)
	}
}

// processOwnHeader broadcasts this node's header and then applies it like
// any other.
func (c *Core) processOwnHeader(ctx context.Context, header *types.Header) error {
	if err := c.sender.Broadcast(ctx, encodeEnvelope(tagHeader, types.MarshalHeaderType(header))); err != nil {
		c.log.Warn("failed to broadcast header", "error", err)
	}
	c.metrics.proposedHeaders.Inc()
	return c.processHeader(ctx, header)
}

// processHeader validates a header, persists it, and votes for the first
// valid header per (author, round).
func (c *Core) processHeader(ctx context.Context, header types.HeaderType) error {
	author := header.GetAuthor()
	round := header.GetRound()

	if err := c.sanitizeHeader(header); err != nil {
		c.metrics.headersDropped.Inc()
		return err
	}

	// Resolve parents; a miss parks the header in the HeaderWaiter.
	parents, err := c.sync.GetParents(header)
	if err != nil {
		c.fatal(err)
	}
	if round > 0 && len(parents) == 0 {
		return nil
	}

	if err := c.checkParents(header, parents); err != nil {
		c.metrics.headersDropped.Inc()
		return err
	}

	// Remote headers must have their payload locally available before we
	// vote for them.
	if h, ok := header.(*types.Header); ok {
		missing, err := c.sync.MissingPayload(h)
		if err != nil {
			c.fatal(err)
		}
		if missing {
			return nil
		}
	}

	if err := c.store.Write(headerKey(header.GetID()), types.MarshalHeaderType(header)); err != nil {
		c.fatal(err)
	}
	c.metrics.headersProcessed.Inc()

	if round == c.round {
		for _, leader := range c.committee.LeaderList(c.params.LeadersPerRound, round) {
			if leader == author {
				c.leaderSeen = true
			}
		}
	}

	// Vote for the first valid header from this author at this round.
	voted, ok := c.lastVoted[round]
	if !ok {
		voted = set.NewSet[ids.NodeID](c.committee.Size())
		c.lastVoted[round] = voted
	}
	if voted.Contains(author) {
		return nil
	}
	voted.Add(author)

	vote, err := types.NewVote(header, c.name, c.sk)
	if err != nil {
		c.fatal(err)
	}
	if author == c.name {
		return c.processVote(ctx, vote)
	}
	if err := c.sender.Send(ctx, author, encodeEnvelope(tagVote, types.MarshalVote(vote))); err != nil {
		c.log.Warn("failed to send vote", "origin", author, "error", err)
	}
	return nil
}

func (c *Core) sanitizeHeader(header types.HeaderType) error {
	round := header.GetRound()
	author := header.GetAuthor()

	if round < c.gcRound {
		return fmt.Errorf("%w: header at round %d, horizon %d", ErrStaleRound, round, c.gcRound)
	}
	if !c.committee.IsMember(author) {
		return fmt.Errorf("%w: %s", ErrUnknownAuthority, author)
	}
	if h, ok := header.(*types.Header); ok {
		if h.Digest() != h.ID {
			return fmt.Errorf("%w: id does not match digest", ErrMalformedHeader)
		}
		if round > 0 && h.Parents.Len() == 0 {
			return fmt.Errorf("%w: no parents at round %d", ErrMalformedHeader, round)
		}
	}
	return nil
}

// checkParents verifies the parent quorum and, when a previous-round leader
// is skipped, the timeout certificate that justifies it.
func (c *Core) checkParents(header types.HeaderType, parents []types.HeaderType) error {
	round := header.GetRound()
	if round == 0 {
		return nil
	}

	authors := set.NewSet[ids.NodeID](len(parents))
	var stake committee.Stake
	for _, parent := range parents {
		if parent.GetRound() != round-1 {
			return fmt.Errorf("%w: parent at round %d for header at round %d",
				ErrMalformedHeader, parent.GetRound(), round)
		}
		if authors.Contains(parent.GetAuthor()) {
			continue
		}
		authors.Add(parent.GetAuthor())
		stake += c.committee.Stake(parent.GetAuthor())
	}
	if stake < c.committee.QuorumThreshold() {
		return fmt.Errorf("%w: parents carry %d of %d", ErrParentQuorum,
			stake, c.committee.QuorumThreshold())
	}

	if round <= 1 {
		return nil
	}
	leaderMissing := false
	for _, leader := range c.committee.LeaderList(c.params.LeadersPerRound, round-1) {
		if !authors.Contains(leader) {
			leaderMissing = true
			break
		}
	}
	if !leaderMissing {
		return nil
	}

	h, ok := header.(*types.Header)
	if !ok || h.TimeoutCert.IsEmpty() {
		return fmt.Errorf("%w: round %d", ErrMissingTimeoutCert, round-1)
	}
	if h.TimeoutCert.Round != round-1 {
		return fmt.Errorf("%w: timeout certificate at round %d, want %d",
			ErrMalformedHeader, h.TimeoutCert.Round, round-1)
	}
	if err := h.TimeoutCert.Verify(c.committee); err != nil {
		return err
	}
	if !h.NoVoteCert.IsEmpty() {
		if err := h.NoVoteCert.Verify(c.committee); err != nil {
			return err
		}
	}
	return nil
}

// processVote feeds a vote to the aggregator of the matching header. An
// emitted certificate is broadcast and applied locally.
func (c *Core) processVote(ctx context.Context, vote *types.Vote) error {
	if vote.Round < c.gcRound {
		c.metrics.votesDropped.Inc()
		return fmt.Errorf("%w: vote at round %d, horizon %d", ErrStaleRound, vote.Round, c.gcRound)
	}
	if err := vote.Verify(c.committee); err != nil {
		c.metrics.votesDropped.Inc()
		return err
	}

	key := aggKey{round: vote.Round, origin: vote.Origin}
	agg, ok := c.votesAggregators[key]
	if !ok {
		agg = NewVotesAggregator(c.committee)
		c.votesAggregators[key] = agg
	}
	clan, err := c.committee.ClanOf(vote.Origin)
	if err != nil {
		c.metrics.votesDropped.Inc()
		return err
	}

	cert, err := agg.Append(vote, c.committee, clan)
	if err != nil {
		c.metrics.votesDropped.Inc()
		return err
	}
	c.metrics.votesProcessed.Inc()
	if cert == nil {
		return nil
	}

	c.metrics.certificatesEmitted.Inc()
	c.log.Info("assembled certificate",
		"round", cert.Round,
		"header", cert.HeaderID,
	)
	if err := c.sender.Broadcast(ctx, encodeEnvelope(tagCertificate, types.MarshalCertificate(cert))); err != nil {
		c.log.Warn("failed to broadcast certificate", "error", err)
	}
	return c.processCertificate(ctx, cert)
}

// processCertificate validates a certificate, persists it once its
// ancestors are available, and advances the round when the per-round
// aggregator fires.
func (c *Core) processCertificate(ctx context.Context, cert *types.Certificate) error {
	if cert.Round < c.gcRound {
		return fmt.Errorf("%w: certificate at round %d, horizon %d", ErrStaleRound, cert.Round, c.gcRound)
	}
	if err := cert.Verify(c.committee); err != nil {
		return err
	}

	ready, err := c.sync.DeliverCertificate(cert)
	if err != nil {
		c.fatal(err)
	}
	if !ready {
		return nil
	}

	if err := c.store.Write(certKey(cert.HeaderID), types.MarshalCertificate(cert)); err != nil {
		c.fatal(err)
	}
	c.metrics.certificatesAccepted.Inc()

	agg, ok := c.certAggregators[cert.Round]
	if !ok {
		agg = NewCertificatesAggregator()
		c.certAggregators[cert.Round] = agg
	}
	batch, err := agg.Append(cert, c.committee, c.params.LeadersPerRound)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}

	for _, emitted := range batch {
		select {
		case c.txConsensus <- emitted:
		case <-ctx.Done():
			return nil
		}
	}

	round := cert.Round
	c.advance(round + 1)
	select {
	case c.txProposer <- ProposerCommand{Round: round, Parents: batch}:
	case <-ctx.Done():
	}
	return nil
}

// processTimeout aggregates a peer's timeout; a quorum yields a timeout
// certificate handed to the proposer.
func (c *Core) processTimeout(timeout *types.Timeout) error {
	if timeout.Round < c.gcRound {
		return fmt.Errorf("%w: timeout at round %d, horizon %d", ErrStaleRound, timeout.Round, c.gcRound)
	}
	if err := timeout.Verify(c.committee); err != nil {
		return err
	}

	agg, ok := c.timeoutAggregators[timeout.Round]
	if !ok {
		agg = NewTimeoutAggregator()
		c.timeoutAggregators[timeout.Round] = agg
	}
	cert, err := agg.Append(timeout, c.committee)
	if err != nil {
		return err
	}
	c.metrics.timeoutsProcessed.Inc()
	if cert == nil {
		return nil
	}
	c.log.Info("assembled timeout certificate", "round", cert.Round)
	c.txProposer <- ProposerCommand{Round: cert.Round, TimeoutCert: cert}
	return nil
}

// processNoVote aggregates a peer's no-vote message; a quorum yields a
// no-vote certificate handed to the proposer.
func (c *Core) processNoVote(msg *types.NoVoteMsg) error {
	if msg.Round < c.gcRound {
		return fmt.Errorf("%w: no-vote at round %d, horizon %d", ErrStaleRound, msg.Round, c.gcRound)
	}
	if err := msg.Verify(c.committee); err != nil {
		return err
	}

	agg, ok := c.noVoteAggregators[msg.Round]
	if !ok {
		agg = NewNoVoteAggregator()
		c.noVoteAggregators[msg.Round] = agg
	}
	cert, err := agg.Append(msg, c.committee)
	if err != nil {
		return err
	}
	c.metrics.timeoutsProcessed.Inc()
	if cert == nil {
		return nil
	}
	c.log.Info("assembled no-vote certificate", "round", cert.Round)
	c.txProposer <- ProposerCommand{Round: cert.Round, NoVoteCert: cert}
	return nil
}

// onRoundTimeout broadcasts this node's timeout for the stalled round, and a
// no-vote message if no leader header was seen.
func (c *Core) onRoundTimeout(ctx context.Context) {
	if c.timedOut {
		return
	}
	c.timedOut = true

	timeout, err := types.NewTimeout(c.round, c.name, c.sk)
	if err != nil {
		c.fatal(err)
	}
	c.log.Info("round stalled, sending timeout", "round", c.round)
	if err := c.sender.Broadcast(ctx, encodeEnvelope(tagTimeout, types.MarshalTimeout(timeout))); err != nil {
		c.log.Warn("failed to broadcast timeout", "error", err)
	}
	if err := c.processTimeout(timeout); err != nil {
		c.log.Warn("dropping own timeout", "error", err)
	}

	if !c.leaderSeen {
		noVote, err := types.NewNoVoteMsg(c.round, c.name, c.sk)
		if err != nil {
			c.fatal(err)
		}
		if err := c.sender.Broadcast(ctx, encodeEnvelope(tagNoVote, types.MarshalNoVoteMsg(noVote))); err != nil {
			c.log.Warn("failed to broadcast no-vote", "error", err)
		}
		if err := c.processNoVote(noVote); err != nil {
			c.log.Warn("dropping own no-vote", "error", err)
		}
	}
}

// advance moves to a higher round and collects per-round state below the gc
// horizon.
func (c *Core) advance(round types.Round) {
	if round <= c.round {
		return
	}
	c.round = round
	c.timedOut = false
	c.leaderSeen = false
	c.metrics.currentRound.Set(float64(round))
	c.log.Debug("advanced round", "round", round)

	if round <= c.params.GCDepth {
		return
	}
	c.gcRound = round - c.params.GCDepth
	for r := range c.lastVoted {
		if r < c.gcRound {
			delete(c.lastVoted, r)
		}
	}
	for key := range c.votesAggregators {
		if key.round < c.gcRound {
			delete(c.votesAggregators, key)
		}
	}
	for r := range c.certAggregators {
		if r < c.gcRound {
			delete(c.certAggregators, r)
		}
	}
	for r := range c.timeoutAggregators {
		if r < c.gcRound {
			delete(c.timeoutAggregators, r)
		}
	}
	for r := range c.noVoteAggregators {
		if r < c.gcRound {
			delete(c.noVoteAggregators, r)
		}
	}
}

// fatal terminates the node on unrecoverable failures.
func (c *Core) fatal(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.log.Error("fatal failure", "error", err)
	panic(fmt.Sprintf("storage failure: killing node: %v", err))
}
