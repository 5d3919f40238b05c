// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/narwhal/types"
)

// Message kinds on the primary-to-primary channel.
const (
	tagHeader byte = iota
	tagVote
	tagCertificate
	tagTimeout
	tagNoVote
	tagSyncHeaders
	tagSyncCertificates
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrUnknownMessage = errors.New("unknown message tag")
)

// message is a decoded inbound primary message.
type message struct {
	tag         byte
	header      types.HeaderType
	vote        *types.Vote
	certificate *types.Certificate
	timeout     *types.Timeout
	noVote      *types.NoVoteMsg
	sync        *syncRequest
}

// syncRequest asks a peer to serve stored headers or certificates.
type syncRequest struct {
	Missing   []ids.ID
	Requestor ids.NodeID
}

// encodeEnvelope frames a serialized payload with its kind tag.
func encodeEnvelope(tag byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, tag)
	return append(out, payload...)
}

func encodeSyncRequest(tag byte, req *syncRequest) []byte {
	out := make([]byte, 0, 1+len(req.Requestor)+4+len(req.Missing)*32)
	out = append(out, tag)
	out = append(out, req.Requestor[:]...)
	n := uint32(len(req.Missing))
	out = append(out, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	for _, id := range req.Missing {
		out = append(out, id[:]...)
	}
	return out
}

func decodeSyncRequest(b []byte) (*syncRequest, error) {
	req := &syncRequest{}
	if len(b) < len(req.Requestor)+4 {
		return nil, types.ErrShortBuffer
	}
	copy(req.Requestor[:], b)
	b = b[len(req.Requestor):]
	n := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	b = b[4:]
	if len(b) != int(n)*32 {
		return nil, types.ErrShortBuffer
	}
	req.Missing = make([]ids.ID, n)
	for i := range req.Missing {
		copy(req.Missing[i][:], b[i*32:])
	}
	return req, nil
}

// decodeMessage parses an inbound envelope.
func decodeMessage(b []byte) (*message, error) {
	if len(b) == 0 {
		return nil, ErrEmptyMessage
	}
	tag, payload := b[0], b[1:]
	msg := &message{tag: tag}
	var err error
	switch tag {
	case tagHeader:
		msg.header, err = types.UnmarshalHeaderType(payload)
	case tagVote:
		msg.vote, err = types.UnmarshalVote(payload)
	case tagCertificate:
		msg.certificate, err = types.UnmarshalCertificate(payload)
	case tagTimeout:
		msg.timeout, err = types.UnmarshalTimeout(payload)
	case tagNoVote:
		msg.noVote, err = types.UnmarshalNoVoteMsg(payload)
	case tagSyncHeaders, tagSyncCertificates:
		msg.sync, err = decodeSyncRequest(payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, tag)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}
