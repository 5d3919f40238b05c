// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package committee

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"
	"gopkg.in/yaml.v3"
)

// fileAuthority is the on-disk form of one authority.
type fileAuthority struct {
	NodeID       string `yaml:"node_id"`
	Stake        Stake  `yaml:"stake"`
	ClanID       uint32 `yaml:"clan_id"`
	BLSPublicKey string `yaml:"bls_public_key"`
}

type fileCommittee struct {
	Authorities []fileAuthority `yaml:"authorities"`
}

// Import loads a committee from a YAML file.
func Import(path string) (*Committee, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read committee: %w", err)
	}
	var fc fileCommittee
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse committee: %w", err)
	}

	authorities := make([]Authority, 0, len(fc.Authorities))
	for _, fa := range fc.Authorities {
		nodeID, err := ids.NodeIDFromString(fa.NodeID)
		if err != nil {
			return nil, fmt.Errorf("bad node id %q: %w", fa.NodeID, err)
		}
		keyBytes, err := hex.DecodeString(fa.BLSPublicKey)
		if err != nil {
			return nil, fmt.Errorf("bad BLS key for %s: %w", fa.NodeID, err)
		}
		pk, err := bls.PublicKeyFromCompressedBytes(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("bad BLS key for %s: %w", fa.NodeID, err)
		}
		authorities = append(authorities, Authority{
			NodeID:       nodeID,
			Stake:        fa.Stake,
			ClanID:       fa.ClanID,
			BLSPublicKey: pk,
		})
	}
	return New(authorities)
}

// Export writes the committee to a YAML file.
func (c *Committee) Export(path string) error {
	fc := fileCommittee{
		Authorities: make([]fileAuthority, 0, len(c.canonical)),
	}
	for _, nodeID := range c.canonical {
		a := c.authorities[nodeID]
		fc.Authorities = append(fc.Authorities, fileAuthority{
			NodeID:       a.NodeID.String(),
			Stake:        a.Stake,
			ClanID:       a.ClanID,
			BLSPublicKey: hex.EncodeToString(bls.PublicKeyToCompressedBytes(a.BLSPublicKey)),
		})
	}
	b, err := yaml.Marshal(fc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
