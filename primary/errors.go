// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package primary

import (
	"errors"
)

// Validation errors are reported and dropped, never fatal. Storage and
// internal channel failures are fatal and panic the task.
var (
	// ErrAuthorityReuse is returned when an authority contributes twice to
	// the same aggregation.
	ErrAuthorityReuse = errors.New("authority reuse")

	// ErrUnknownAuthority is returned for messages from outside the
	// committee.
	ErrUnknownAuthority = errors.New("unknown authority")

	// ErrInvalidSignature is returned when a signature or aggregate does not
	// verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrMalformedHeader is returned for structurally invalid headers.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrStaleRound is returned for messages below the garbage collection
	// horizon.
	ErrStaleRound = errors.New("round below the gc horizon")

	// ErrParentQuorum is returned when a header's parents do not carry a
	// quorum of stake.
	ErrParentQuorum = errors.New("parents below the quorum threshold")

	// ErrMissingTimeoutCert is returned when a header skips a leader without
	// carrying a valid timeout certificate.
	ErrMissingTimeoutCert = errors.New("missing timeout certificate for skipped leader")
)
