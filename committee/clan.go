// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package committee

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/validators"
)

// Clan is a sub-committee: the authorities sharing one clan id. Certificates
// for headers authored in a clan must carry votes whose clan-intersected
// stake reaches the clan's validity threshold.
//
// A clan reads membership and stake from the committee's manager under the
// clan's own scope.
type Clan struct {
	id      uint32
	scope   ids.ID
	manager validators.Manager
	set     validators.Set
	total   Stake
}

func newClan(manager validators.Manager, id uint32) (*Clan, error) {
	scope := clanScope(id)
	set, err := manager.GetValidators(scope)
	if err != nil {
		return nil, err
	}
	total, err := manager.TotalWeight(scope)
	if err != nil {
		return nil, err
	}
	return &Clan{
		id:      id,
		scope:   scope,
		manager: manager,
		set:     set,
		total:   total,
	}, nil
}

// ID returns the clan id.
func (cl *Clan) ID() uint32 {
	return cl.id
}

// Size returns the number of clan members.
func (cl *Clan) Size() int {
	return cl.set.Len()
}

// IsMember returns true iff the authority belongs to this clan.
func (cl *Clan) IsMember(nodeID ids.NodeID) bool {
	return cl.set.Has(nodeID)
}

// Stake returns the clan-internal stake of an authority, or zero if the
// authority is not a member.
func (cl *Clan) Stake(nodeID ids.NodeID) Stake {
	return cl.manager.GetWeight(cl.scope, nodeID)
}

// TotalStake returns the clan's stake sum.
func (cl *Clan) TotalStake() Stake {
	return cl.total
}

// ValidityThreshold returns the minimum stake strictly greater than one
// third of the clan's total.
func (cl *Clan) ValidityThreshold() Stake {
	return cl.total/3 + 1
}
