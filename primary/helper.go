// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"context"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/narwhal/networking/sender"
	"github.com/luxfi/narwhal/store"
)

// helperRequest asks the Helper to serve stored headers or certificates to
// a peer.
type helperRequest struct {
	missing      []ids.ID
	requestor    ids.NodeID
	certificates bool
}

// Helper answers peers' sync requests from local storage.
type Helper struct {
	store  *store.Store
	sender sender.Sender
	log    log.Logger
	rx     <-chan helperRequest
}

// NewHelper wires a helper.
func NewHelper(
	st *store.Store,
	snd sender.Sender,
	logger log.Logger,
	rx <-chan helperRequest,
) *Helper {
	return &Helper{
		store:  st,
		sender: snd,
		log:    logger,
		rx:     rx,
	}
}

// Run serves requests until the context ends.
func (h *Helper) Run(ctx context.Context) {
	for {
		select {
		case req := <-h.rx:
			h.serve(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Helper) serve(ctx context.Context, req helperRequest) {
	for _, id := range req.missing {
		var (
			key []byte
			tag byte
		)
		if req.certificates {
			key = certKey(id)
			tag = tagCertificate
		} else {
			key = headerKey(id)
			tag = tagHeader
		}
		value, err := h.store.Read(key)
		if err != nil {
			h.log.Error("storage failure", "error", err)
			panic("storage failure: killing node")
		}
		if value == nil {
			continue
		}
		if err := h.sender.Send(ctx, req.requestor, encodeEnvelope(tag, value)); err != nil {
			h.log.Warn("failed to serve sync request",
				"requestor", req.requestor,
				"error", err,
			)
		}
	}
}
