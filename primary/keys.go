// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/narwhal/types"
)

// Storage key namespaces. Headers and certificates are both addressed by the
// header id, so each gets its own prefix.
const (
	headerKeyPrefix  = 'h'
	certKeyPrefix    = 'c'
	payloadKeyPrefix = 'p'
)

// headerKey addresses a stored HeaderType by header id.
func headerKey(id ids.ID) []byte {
	return append([]byte{headerKeyPrefix}, id[:]...)
}

// certKey addresses a stored Certificate by the certified header's id.
func certKey(id ids.ID) []byte {
	return append([]byte{certKeyPrefix}, id[:]...)
}

// payloadKey addresses a worker batch attestation.
func payloadKey(digest ids.ID, workerID types.WorkerID) []byte {
	key := make([]byte, 0, 1+len(digest)+4)
	key = append(key, payloadKeyPrefix)
	key = append(key, digest[:]...)
	key = append(key,
		byte(workerID),
		byte(workerID>>8),
		byte(workerID>>16),
		byte(workerID>>24),
	)
	return key
}
