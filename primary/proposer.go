// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/types"
	"github.com/luxfi/narwhal/utils/set"
)

// PayloadDigest is a worker's attestation that a batch is available.
type PayloadDigest struct {
	Digest   ids.ID
	WorkerID types.WorkerID
}

// Proposer builds this node's next header once a parent quorum is ready.
// It emits at most one header per round, attaches worker batch digests, and
// carries timeout / no-vote certificates when a previous-round leader is
// skipped.
type Proposer struct {
	name      ids.NodeID
	committee *committee.Committee
	params    config.Parameters
	log       log.Logger

	rxCore    <-chan ProposerCommand
	rxWorkers <-chan PayloadDigest
	txCore    chan<- *types.Header

	round             types.Round
	lastProposedRound types.Round
	parents           []*types.Certificate
	payload           map[ids.ID]types.WorkerID
	timeoutCerts      map[types.Round]*types.TimeoutCert
	noVoteCerts       map[types.Round]*types.NoVoteCert

	headerDeadline time.Time
}

// NewProposer wires a proposer.
func NewProposer(
	name ids.NodeID,
	com *committee.Committee,
	params config.Parameters,
	logger log.Logger,
	rxCore <-chan ProposerCommand,
	rxWorkers <-chan PayloadDigest,
	txCore chan<- *types.Header,
) *Proposer {
	return &Proposer{
		name:         name,
		committee:    com,
		params:       params,
		log:          logger,
		rxCore:       rxCore,
		rxWorkers:    rxWorkers,
		txCore:       txCore,
		round:        1,
		payload:      make(map[ids.ID]types.WorkerID),
		timeoutCerts: make(map[types.Round]*types.TimeoutCert),
		noVoteCerts:  make(map[types.Round]*types.NoVoteCert),
	}
}

// Run drives the proposer until the context ends. Round 1 proposes on top
// of genesis without waiting for parents, once payload is available or the
// header deadline has passed.
func (p *Proposer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.params.MaxHeaderDelay / 2)
	defer ticker.Stop()
	p.headerDeadline = time.Now().Add(p.params.MaxHeaderDelay)

	for {
		p.tryPropose(ctx)

		select {
		case cmd := <-p.rxCore:
			p.handleCommand(cmd)
		case digest := <-p.rxWorkers:
			p.payload[digest.Digest] = digest.WorkerID
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Proposer) handleCommand(cmd ProposerCommand) {
	if cmd.TimeoutCert != nil {
		p.timeoutCerts[cmd.TimeoutCert.Round] = cmd.TimeoutCert
	}
	if cmd.NoVoteCert != nil {
		p.noVoteCerts[cmd.NoVoteCert.Round] = cmd.NoVoteCert
	}
	if len(cmd.Parents) == 0 {
		return
	}
	if cmd.Round+1 <= p.round && p.round > 1 {
		return
	}
	p.parents = cmd.Parents
	p.round = cmd.Round + 1
	p.headerDeadline = time.Now().Add(p.params.MaxHeaderDelay)

	// Evidence below the gc horizon is useless now.
	if p.round > p.params.GCDepth {
		horizon := p.round - p.params.GCDepth
		for r := range p.timeoutCerts {
			if r < horizon {
				delete(p.timeoutCerts, r)
			}
		}
		for r := range p.noVoteCerts {
			if r < horizon {
				delete(p.noVoteCerts, r)
			}
		}
	}
}

// tryPropose emits the header for the current round when the protocol
// allows it: at most once per round, only with a parent quorum (or on top
// of genesis for round 1), only with payload or an expired header deadline,
// and only with a timeout certificate when a previous-round leader is
// skipped.
func (p *Proposer) tryPropose(ctx context.Context) {
	if p.round <= p.lastProposedRound {
		return
	}
	if p.round > 1 && p.parents == nil {
		return
	}
	if len(p.payload) == 0 && time.Now().Before(p.headerDeadline) {
		return
	}

	parents := set.NewSet[ids.ID](len(p.parents))
	parentAuthors := set.NewSet[ids.NodeID](len(p.parents))
	if p.round == 1 {
		for _, g := range types.Genesis(p.committee) {
			parents.Add(g.ID)
			parentAuthors.Add(g.Author)
		}
	} else {
		for _, cert := range p.parents {
			parents.Add(cert.HeaderID)
			parentAuthors.Add(cert.Origin)
		}
	}

	var (
		timeoutCert types.TimeoutCert
		noVoteCert  types.NoVoteCert
	)
	if p.round > 1 {
		leaderMissing := false
		for _, leader := range p.committee.LeaderList(p.params.LeadersPerRound, p.round-1) {
			if !parentAuthors.Contains(leader) {
				leaderMissing = true
				break
			}
		}
		if leaderMissing {
			tc, ok := p.timeoutCerts[p.round-1]
			if !ok {
				// Cannot skip a leader without evidence; wait for the
				// timeout certificate.
				return
			}
			timeoutCert = *tc
			if nc, ok := p.noVoteCerts[p.round-1]; ok {
				noVoteCert = *nc
			}
		}
	}

	payload := p.payload
	p.payload = make(map[ids.ID]types.WorkerID)

	header := types.NewHeader(
		p.name,
		p.round,
		payload,
		parents,
		timeoutCert,
		noVoteCert,
	)
	p.lastProposedRound = p.round
	p.log.Info("proposing header",
		"round", header.Round,
		"payload", len(payload),
	)

	select {
	case p.txCore <- header:
	case <-ctx.Done():
	}
}
