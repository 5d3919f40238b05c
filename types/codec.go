// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"

	"github.com/luxfi/narwhal/utils/set"
)

// CodecVersion is the serialization format version.
type CodecVersion = byte

const (
	// CurrentVersion is the current codec version.
	CurrentVersion CodecVersion = 0

	headerTag     byte = 0
	headerInfoTag byte = 1
)

var (
	ErrUnsupportedVersion = errors.New("unsupported codec version")
	ErrUnknownHeaderTag   = errors.New("unknown header type tag")
	ErrShortBuffer        = errors.New("short buffer")
	ErrTrailingBytes      = errors.New("trailing bytes")
)

// packer is an append-only canonical binary writer. All multi-byte integers
// are little-endian; collections are length-prefixed and written in the same
// sorted order the digests hash them in.
type packer struct {
	b []byte
}

func (p *packer) packByte(v byte)   { p.b = append(p.b, v) }
func (p *packer) packUint32(v uint32) {
	p.b = binary.LittleEndian.AppendUint32(p.b, v)
}
func (p *packer) packUint64(v uint64) {
	p.b = binary.LittleEndian.AppendUint64(p.b, v)
}
func (p *packer) packID(id ids.ID)        { p.b = append(p.b, id[:]...) }
func (p *packer) packNodeID(n ids.NodeID) { p.b = append(p.b, n[:]...) }

// packSignature writes a length-prefixed compressed signature.
func (p *packer) packSignature(s *bls.Signature) {
	if s == nil {
		p.packUint32(0)
		return
	}
	raw := bls.SignatureToBytes(s)
	p.packUint32(uint32(len(raw)))
	p.b = append(p.b, raw...)
}

type unpacker struct {
	b   []byte
	off int
	err error
}

func (u *unpacker) take(n int) []byte {
	if u.err != nil {
		return nil
	}
	if u.off+n > len(u.b) {
		u.err = ErrShortBuffer
		return nil
	}
	out := u.b[u.off : u.off+n]
	u.off += n
	return out
}

func (u *unpacker) unpackByte() byte {
	b := u.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (u *unpacker) unpackUint32() uint32 {
	b := u.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (u *unpacker) unpackUint64() uint64 {
	b := u.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (u *unpacker) unpackID() ids.ID {
	var id ids.ID
	b := u.take(len(id))
	if b != nil {
		copy(id[:], b)
	}
	return id
}

func (u *unpacker) unpackNodeID() ids.NodeID {
	var n ids.NodeID
	b := u.take(len(n))
	if b != nil {
		copy(n[:], b)
	}
	return n
}

func (u *unpacker) unpackSignature() *bls.Signature {
	n := u.unpackUint32()
	if n == 0 {
		return nil
	}
	b := u.take(int(n))
	if b == nil {
		return nil
	}
	sig, err := bls.SignatureFromBytes(b)
	if err != nil {
		u.err = err
		return nil
	}
	return sig
}

// checkCount rejects a length prefix that cannot fit in the remaining
// buffer, before anything is allocated for it.
func (u *unpacker) checkCount(n uint32, itemLen int) bool {
	if u.err != nil {
		return false
	}
	if int(n)*itemLen > len(u.b)-u.off {
		u.err = ErrShortBuffer
		return false
	}
	return true
}

func (u *unpacker) finish() error {
	if u.err != nil {
		return u.err
	}
	if u.off != len(u.b) {
		return ErrTrailingBytes
	}
	return nil
}

// MarshalHeaderType serializes a header or header info with its variant tag.
func MarshalHeaderType(ht HeaderType) []byte {
	p := &packer{}
	p.packByte(CurrentVersion)
	p.packByte(ht.typeTag())
	switch h := ht.(type) {
	case *Header:
		p.packNodeID(h.Author)
		p.packUint64(h.Round)
		digests := sortedDigests(h.Payload)
		p.packUint32(uint32(len(digests)))
		for _, d := range digests {
			p.packID(d)
			p.packUint32(h.Payload[d])
		}
		packIDSet(p, h.Parents)
		p.packID(h.ID)
		packEntries(p, h.TimeoutCert.Round, h.TimeoutCert.Entries)
		packEntries(p, h.NoVoteCert.Round, h.NoVoteCert.Entries)
	case *HeaderInfo:
		p.packNodeID(h.Author)
		p.packUint64(h.Round)
		packIDSet(p, h.Parents)
		p.packID(h.ID)
	}
	return p.b
}

// UnmarshalHeaderType parses a serialized header or header info.
func UnmarshalHeaderType(b []byte) (HeaderType, error) {
	u := &unpacker{b: b}
	if v := u.unpackByte(); u.err == nil && v != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	tag := u.unpackByte()
	switch tag {
	case headerTag:
		h := &Header{}
		h.Author = u.unpackNodeID()
		h.Round = u.unpackUint64()
		n := u.unpackUint32()
		if u.checkCount(n, 36) && n > 0 {
			h.Payload = make(map[ids.ID]WorkerID, n)
			for i := uint32(0); i < n && u.err == nil; i++ {
				d := u.unpackID()
				h.Payload[d] = u.unpackUint32()
			}
		}
		h.Parents = unpackIDSet(u)
		h.ID = u.unpackID()
		h.TimeoutCert.Round, h.TimeoutCert.Entries = unpackEntries(u)
		h.NoVoteCert.Round, h.NoVoteCert.Entries = unpackEntries(u)
		if err := u.finish(); err != nil {
			return nil, err
		}
		return h, nil
	case headerInfoTag:
		h := &HeaderInfo{}
		h.Author = u.unpackNodeID()
		h.Round = u.unpackUint64()
		h.Parents = unpackIDSet(u)
		h.ID = u.unpackID()
		if err := u.finish(); err != nil {
			return nil, err
		}
		return h, nil
	default:
		if u.err != nil {
			return nil, u.err
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownHeaderTag, tag)
	}
}

// MarshalCertificate serializes a certificate.
func MarshalCertificate(c *Certificate) []byte {
	p := &packer{}
	p.packByte(CurrentVersion)
	p.packID(c.HeaderID)
	p.packUint64(c.Round)
	p.packNodeID(c.Origin)
	p.packUint32(uint32(len(c.Bitmap)))
	for _, w := range c.Bitmap {
		p.packUint64(w)
	}
	p.packSignature(c.Signature)
	return p.b
}

// UnmarshalCertificate parses a serialized certificate.
func UnmarshalCertificate(b []byte) (*Certificate, error) {
	u := &unpacker{b: b}
	if v := u.unpackByte(); u.err == nil && v != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	c := &Certificate{}
	c.HeaderID = u.unpackID()
	c.Round = u.unpackUint64()
	c.Origin = u.unpackNodeID()
	n := u.unpackUint32()
	if u.checkCount(n, 8) {
		c.Bitmap = make(Bitmap, 0, n)
		for i := uint32(0); i < n && u.err == nil; i++ {
			c.Bitmap = append(c.Bitmap, u.unpackUint64())
		}
	}
	c.Signature = u.unpackSignature()
	if err := u.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// MarshalVote serializes a vote.
func MarshalVote(v *Vote) []byte {
	p := &packer{}
	p.packByte(CurrentVersion)
	p.packID(v.ID)
	p.packUint64(v.Round)
	p.packNodeID(v.Origin)
	p.packNodeID(v.Author)
	p.packSignature(v.Signature)
	return p.b
}

// UnmarshalVote parses a serialized vote.
func UnmarshalVote(b []byte) (*Vote, error) {
	u := &unpacker{b: b}
	if ver := u.unpackByte(); u.err == nil && ver != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, ver)
	}
	v := &Vote{}
	v.ID = u.unpackID()
	v.Round = u.unpackUint64()
	v.Origin = u.unpackNodeID()
	v.Author = u.unpackNodeID()
	v.Signature = u.unpackSignature()
	if err := u.finish(); err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalTimeout serializes a timeout.
func MarshalTimeout(t *Timeout) []byte {
	p := &packer{}
	p.packByte(CurrentVersion)
	p.packUint64(t.Round)
	p.packNodeID(t.Author)
	p.packSignature(t.Signature)
	return p.b
}

// UnmarshalTimeout parses a serialized timeout.
func UnmarshalTimeout(b []byte) (*Timeout, error) {
	u := &unpacker{b: b}
	if ver := u.unpackByte(); u.err == nil && ver != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, ver)
	}
	t := &Timeout{}
	t.Round = u.unpackUint64()
	t.Author = u.unpackNodeID()
	t.Signature = u.unpackSignature()
	if err := u.finish(); err != nil {
		return nil, err
	}
	return t, nil
}

// MarshalNoVoteMsg serializes a no-vote message.
func MarshalNoVoteMsg(m *NoVoteMsg) []byte {
	p := &packer{}
	p.packByte(CurrentVersion)
	p.packUint64(m.Round)
	p.packNodeID(m.Author)
	p.packSignature(m.Signature)
	return p.b
}

// UnmarshalNoVoteMsg parses a serialized no-vote message.
func UnmarshalNoVoteMsg(b []byte) (*NoVoteMsg, error) {
	u := &unpacker{b: b}
	if ver := u.unpackByte(); u.err == nil && ver != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, ver)
	}
	m := &NoVoteMsg{}
	m.Round = u.unpackUint64()
	m.Author = u.unpackNodeID()
	m.Signature = u.unpackSignature()
	if err := u.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

func packIDSet(p *packer, s set.Set[ids.ID]) {
	sorted := SortedIDs(s)
	p.packUint32(uint32(len(sorted)))
	for _, id := range sorted {
		p.packID(id)
	}
}

func unpackIDSet(u *unpacker) set.Set[ids.ID] {
	n := u.unpackUint32()
	if !u.checkCount(n, 32) {
		return nil
	}
	s := set.NewSet[ids.ID](int(n))
	for i := uint32(0); i < n && u.err == nil; i++ {
		s.Add(u.unpackID())
	}
	return s
}

func packEntries(p *packer, round Round, entries []TimeoutEntry) {
	p.packUint64(round)
	p.packUint32(uint32(len(entries)))
	for _, e := range entries {
		p.packNodeID(e.Author)
		p.packSignature(e.Signature)
	}
}

func unpackEntries(u *unpacker) (Round, []TimeoutEntry) {
	round := u.unpackUint64()
	n := u.unpackUint32()
	if !u.checkCount(n, 24) {
		return round, nil
	}
	var entries []TimeoutEntry
	for i := uint32(0); i < n && u.err == nil; i++ {
		entries = append(entries, TimeoutEntry{
			Author:    u.unpackNodeID(),
			Signature: u.unpackSignature(),
		})
	}
	return round, entries
}
