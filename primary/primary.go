// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package primary implements the header/vote/certificate pipeline of a
// BFT DAG consensus primary: aggregators that fold signed messages into
// certificates, a synchronizer that resolves missing ancestry, waiters that
// gate processing on storage, the core state machine, and the proposer.
package primary

import (
	"context"
	"sync"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/networking/sender"
	"github.com/luxfi/narwhal/store"
	"github.com/luxfi/narwhal/types"
)

// Config carries everything a primary needs.
type Config struct {
	NodeID     ids.NodeID
	SecretKey  *bls.SecretKey
	Committee  *committee.Committee
	Parameters config.Parameters
	Store      *store.Store
	Sender     sender.Sender
	Log        log.Logger
	Registerer prometheus.Registerer

	// Metrics is the node's metrics surface; nil is fine.
	Metrics metric.MultiGatherer
}

// Primary owns the consensus tasks and the channels between them.
type Primary struct {
	cfg          Config
	core         *Core
	proposer     *Proposer
	headerWaiter *HeaderWaiter
	certWaiter   *CertificateWaiter
	helper       *Helper

	rxMessages  chan *message
	rxWorkers   chan PayloadDigest
	txWorkers   chan PayloadSyncRequest
	txConsensus chan *types.Certificate

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// New wires a primary. Call Start to run it.
func New(cfg Config) (*Primary, error) {
	if err := cfg.Parameters.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	capacity := cfg.Parameters.ChannelCapacity
	rxMessages := make(chan *message, capacity)
	rxWorkers := make(chan PayloadDigest, capacity)
	txWorkers := make(chan PayloadSyncRequest, capacity)
	txConsensus := make(chan *types.Certificate, capacity)

	headerWaiterCh := make(chan WaiterMessage, capacity)
	certWaiterCh := make(chan *types.Certificate, capacity)
	headerReplayCh := make(chan types.HeaderType, capacity)
	certReplayCh := make(chan *types.Certificate, capacity)
	proposerCmdCh := make(chan ProposerCommand, capacity)
	ownHeaderCh := make(chan *types.Header, capacity)
	helperCh := make(chan helperRequest, capacity)

	synchronizer := NewSynchronizer(
		cfg.NodeID,
		cfg.Committee,
		cfg.Store,
		headerWaiterCh,
		certWaiterCh,
	)

	p := &Primary{
		cfg:         cfg,
		rxMessages:  rxMessages,
		rxWorkers:   rxWorkers,
		txWorkers:   txWorkers,
		txConsensus: txConsensus,
		done:        make(chan struct{}),
	}

	p.headerWaiter = NewHeaderWaiter(
		cfg.NodeID,
		cfg.Store,
		cfg.Sender,
		cfg.Log,
		headerWaiterCh,
		headerReplayCh,
		txWorkers,
		m.parkedItems.Add,
	)
	p.certWaiter = NewCertificateWaiter(
		cfg.Store,
		cfg.Log,
		types.GenesisDigests(cfg.Committee),
		certWaiterCh,
		certReplayCh,
		m.parkedItems.Add,
	)
	p.helper = NewHelper(cfg.Store, cfg.Sender, cfg.Log, helperCh)
	p.core = NewCore(
		cfg.NodeID,
		cfg.SecretKey,
		cfg.Committee,
		cfg.Parameters,
		cfg.Store,
		synchronizer,
		cfg.Sender,
		cfg.Log,
		m,
		rxMessages,
		headerReplayCh,
		certReplayCh,
		ownHeaderCh,
		proposerCmdCh,
		txConsensus,
		helperCh,
	)
	p.proposer = NewProposer(
		cfg.NodeID,
		cfg.Committee,
		cfg.Parameters,
		cfg.Log,
		proposerCmdCh,
		rxWorkers,
		ownHeaderCh,
	)
	return p, nil
}

// Start runs the primary's tasks.
func (p *Primary) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		p.core.Run,
		p.proposer.Run,
		p.headerWaiter.Run,
		p.certWaiter.Run,
		p.helper.Run,
	} {
		wg.Add(1)
		run := run
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()

	p.cfg.Log.Info("primary started",
		"node", p.cfg.NodeID,
		"committee", p.cfg.Committee.Size(),
		"leadersPerRound", p.cfg.Parameters.LeadersPerRound,
	)
	return nil
}

// Stop halts the primary and waits for its tasks.
func (p *Primary) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
		p.cfg.Log.Info("primary stopped")
	})
}

// Deliver hands an inbound serialized message to the core. It implements
// sender.Handler; undecodable messages are dropped.
func (p *Primary) Deliver(from ids.NodeID, raw []byte) {
	msg, err := decodeMessage(raw)
	if err != nil {
		p.cfg.Log.Warn("dropping undecodable message", "from", from, "error", err)
		return
	}
	select {
	case p.rxMessages <- msg:
	case <-p.done:
	}
}

// WorkerPayloads is where this node's workers report fresh batch digests
// for inclusion in the next header.
func (p *Primary) WorkerPayloads() chan<- PayloadDigest {
	return p.rxWorkers
}

// WorkerSyncRequests is where workers receive fetch requests for batches
// referenced by remote headers.
func (p *Primary) WorkerSyncRequests() <-chan PayloadSyncRequest {
	return p.txWorkers
}

// Output delivers accepted certificates in the order the per-round
// aggregator emits them; the downstream ordering layer consumes it.
func (p *Primary) Output() <-chan *types.Certificate {
	return p.txConsensus
}
