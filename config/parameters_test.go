// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresetsValid(t *testing.T) {
	require := require.New(t)

	for _, p := range []Parameters{Default(), Mainnet(), Testnet(), Local()} {
		require.NoError(p.Validate())
	}
}

func TestValidate(t *testing.T) {
	require := require.New(t)

	p := Default()
	p.GCDepth = 0
	require.ErrorIs(p.Validate(), ErrZeroGCDepth)

	p = Default()
	p.LeadersPerRound = 0
	require.ErrorIs(p.Validate(), ErrNoLeaders)

	p = Default()
	p.ChannelCapacity = 0
	require.ErrorIs(p.Validate(), ErrNoChannelCapacity)

	p = Default()
	p.TimeoutDelay = 0
	require.ErrorIs(p.Validate(), ErrNonPositiveTimeout)
}

func TestFileRoundTrip(t *testing.T) {
	require := require.New(t)

	p := Testnet()
	path := filepath.Join(t.TempDir(), "parameters.yaml")
	require.NoError(p.Export(path))

	loaded, err := Import(path)
	require.NoError(err)
	require.Equal(p, loaded)
}
