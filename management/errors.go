// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package management

import "errors"

var (
	// ErrConsoleAlreadyPaired is returned when the console reports a pairing
	// conflict (HTTP 409), or when local state already records the console.
	ErrConsoleAlreadyPaired = errors.New("console already paired")

	// ErrConsoleNotPaired is returned when local state has no matching
	// console to unpair.
	ErrConsoleNotPaired = errors.New("console not paired")

	// ErrConsoleInternalServerError is returned when the console fails with
	// an HTTP 500 during pairing.
	ErrConsoleInternalServerError = errors.New("console internal server error")

	// ErrAgentHeartbeatFailed is returned when the heartbeat endpoint answers
	// with a non-200 status.
	ErrAgentHeartbeatFailed = errors.New("agent heartbeat failed")

	// ErrDuplicateConnection is returned when a connection is added to a
	// registry under a name that is already taken.
	ErrDuplicateConnection = errors.New("connection name already exists")

	// ErrConnectionNotExist is returned when removing a connection name the
	// registry does not hold.
	ErrConnectionNotExist = errors.New("connection does not exist")

	// ErrForbiddenConnectionName is returned when a role attempts to share or
	// unshare a connection under the reserved "default" name.
	ErrForbiddenConnectionName = errors.New("connection name is reserved")
)
