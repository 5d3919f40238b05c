// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package committee models the validator committee of the primary: authority
// identities and stakes, clan sub-committees, the canonical BLS key order
// used for contributor bitmaps, quorum and validity thresholds, and the
// deterministic leader schedule.
//
// Membership and stake bookkeeping is backed by a validators.Manager: the
// whole committee is registered under one scope and every clan under its
// own, so stake lookups and membership checks go through the same machinery
// the node uses for its validator sets.
package committee

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"github.com/luxfi/validators"

	safemath "github.com/luxfi/narwhal/utils/math"
)

// Stake is the voting weight of an authority.
type Stake = uint64

var (
	ErrEmptyCommittee   = errors.New("committee has no authorities")
	ErrDuplicateNode    = errors.New("duplicate authority in committee")
	ErrDuplicateBLSKey  = errors.New("duplicate BLS public key in committee")
	ErrUnknownAuthority = errors.New("authority is not in the committee")
	ErrUnknownClan      = errors.New("clan is not in the committee")
)

// committeeScope is the manager scope holding the whole committee. Clans
// get their own scopes from clanScope.
var committeeScope = ids.ID{'c', 'o', 'm', 'm', 'i', 't', 't', 'e', 'e'}

// clanScope derives the manager scope for one clan.
func clanScope(clanID uint32) ids.ID {
	id := ids.ID{'c', 'l', 'a', 'n'}
	id[4] = byte(clanID)
	id[5] = byte(clanID >> 8)
	id[6] = byte(clanID >> 16)
	id[7] = byte(clanID >> 24)
	return id
}

// Authority is one voting member of the committee.
type Authority struct {
	NodeID       ids.NodeID
	Stake        Stake
	ClanID       uint32
	BLSPublicKey *bls.PublicKey
}

// Committee is the immutable validator set. It is shared by read across
// tasks; nothing mutates it after construction.
type Committee struct {
	manager validators.Manager
	set     validators.Set

	authorities map[ids.NodeID]Authority

	// canonical ordering: authorities sorted by their compressed BLS key
	canonical      []ids.NodeID
	sortedKeys     []*bls.PublicKey
	sortedKeyBytes [][]byte

	clans map[uint32]*Clan
	total Stake
}

// New builds a committee from its authorities.
func New(authorities []Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, ErrEmptyCommittee
	}

	c := &Committee{
		manager:     validators.NewManager(),
		authorities: make(map[ids.NodeID]Authority, len(authorities)),
		clans:       make(map[uint32]*Clan),
	}
	for _, a := range authorities {
		if _, ok := c.authorities[a.NodeID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, a.NodeID)
		}
		if a.BLSPublicKey == nil {
			return nil, fmt.Errorf("authority %s has no BLS public key", a.NodeID)
		}
		c.authorities[a.NodeID] = a

		pkBytes := bls.PublicKeyToCompressedBytes(a.BLSPublicKey)
		if err := c.manager.AddStaker(committeeScope, a.NodeID, pkBytes, ids.Empty, a.Stake); err != nil {
			return nil, err
		}
		if err := c.manager.AddStaker(clanScope(a.ClanID), a.NodeID, pkBytes, ids.Empty, a.Stake); err != nil {
			return nil, err
		}

		total, err := safemath.Add64(c.total, a.Stake)
		if err != nil {
			return nil, err
		}
		c.total = total
	}

	set, err := c.manager.GetValidators(committeeScope)
	if err != nil {
		return nil, err
	}
	c.set = set

	// Canonical order is the byte order of the compressed BLS keys. Bitmap
	// bit i identifies the authority at position i of this order.
	c.canonical = make([]ids.NodeID, 0, len(authorities))
	for nodeID := range c.authorities {
		c.canonical = append(c.canonical, nodeID)
	}
	sort.Slice(c.canonical, func(i, j int) bool {
		ki := bls.PublicKeyToCompressedBytes(c.authorities[c.canonical[i]].BLSPublicKey)
		kj := bls.PublicKeyToCompressedBytes(c.authorities[c.canonical[j]].BLSPublicKey)
		return bytes.Compare(ki, kj) < 0
	})
	c.sortedKeys = make([]*bls.PublicKey, len(c.canonical))
	c.sortedKeyBytes = make([][]byte, len(c.canonical))
	for i, nodeID := range c.canonical {
		c.sortedKeys[i] = c.authorities[nodeID].BLSPublicKey
		c.sortedKeyBytes[i] = bls.PublicKeyToCompressedBytes(c.sortedKeys[i])
		if i > 0 && bytes.Equal(c.sortedKeyBytes[i-1], c.sortedKeyBytes[i]) {
			return nil, ErrDuplicateBLSKey
		}
	}

	for _, nodeID := range c.canonical {
		a := c.authorities[nodeID]
		if _, ok := c.clans[a.ClanID]; ok {
			continue
		}
		clan, err := newClan(c.manager, a.ClanID)
		if err != nil {
			return nil, err
		}
		c.clans[a.ClanID] = clan
	}
	return c, nil
}

// Size returns the number of authorities.
func (c *Committee) Size() int {
	return c.set.Len()
}

// IsMember returns true iff the authority is in the committee.
func (c *Committee) IsMember(nodeID ids.NodeID) bool {
	return c.set.Has(nodeID)
}

// Stake returns the voting weight of an authority, or zero if unknown.
func (c *Committee) Stake(nodeID ids.NodeID) Stake {
	return c.manager.GetWeight(committeeScope, nodeID)
}

// TotalStake returns the sum of all authorities' stakes.
func (c *Committee) TotalStake() Stake {
	return c.total
}

// QuorumThreshold returns the minimum stake strictly greater than two thirds
// of the total.
func (c *Committee) QuorumThreshold() Stake {
	return 2*c.total/3 + 1
}

// ValidityThreshold returns the minimum stake strictly greater than one third
// of the total.
func (c *Committee) ValidityThreshold() Stake {
	return c.total/3 + 1
}

// BLSPublicKey returns the public key of an authority.
func (c *Committee) BLSPublicKey(nodeID ids.NodeID) (*bls.PublicKey, error) {
	a, ok := c.authorities[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, nodeID)
	}
	return a.BLSPublicKey, nil
}

// SortedBLSKeys returns all public keys in canonical order.
func (c *Committee) SortedBLSKeys() []*bls.PublicKey {
	return c.sortedKeys
}

// BitIndex returns an authority's position in the canonical key order,
// located by binary search over the sorted keys.
func (c *Committee) BitIndex(nodeID ids.NodeID) (int, error) {
	a, ok := c.authorities[nodeID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAuthority, nodeID)
	}
	key := bls.PublicKeyToCompressedBytes(a.BLSPublicKey)
	i := sort.Search(len(c.sortedKeyBytes), func(i int) bool {
		return bytes.Compare(c.sortedKeyBytes[i], key) >= 0
	})
	if i >= len(c.sortedKeyBytes) || !bytes.Equal(c.sortedKeyBytes[i], key) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAuthority, nodeID)
	}
	return i, nil
}

// AuthorityAt returns the authority at position [bit] of the canonical
// order.
func (c *Committee) AuthorityAt(bit int) (ids.NodeID, error) {
	if bit < 0 || bit >= len(c.canonical) {
		return ids.EmptyNodeID, fmt.Errorf("%w: bit %d", ErrUnknownAuthority, bit)
	}
	return c.canonical[bit], nil
}

// Authorities returns all authorities in canonical order.
func (c *Committee) Authorities() []ids.NodeID {
	out := make([]ids.NodeID, len(c.canonical))
	copy(out, c.canonical)
	return out
}

// LeaderList returns the designated leaders of a round: the authorities at
// canonical positions (round+i) % N for i in [0, leadersPerRound).
func (c *Committee) LeaderList(leadersPerRound int, round uint64) []ids.NodeID {
	n := uint64(len(c.canonical))
	leaders := make([]ids.NodeID, 0, leadersPerRound)
	for i := 0; i < leadersPerRound; i++ {
		leaders = append(leaders, c.canonical[(round+uint64(i))%n])
	}
	return leaders
}

// Clan returns the clan with the given id.
func (c *Committee) Clan(clanID uint32) (*Clan, error) {
	clan, ok := c.clans[clanID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClan, clanID)
	}
	return clan, nil
}

// ClanOf returns the clan an authority belongs to.
func (c *Committee) ClanOf(nodeID ids.NodeID) (*Clan, error) {
	a, ok := c.authorities[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, nodeID)
	}
	return c.clans[a.ClanID], nil
}
