// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package eeg

import (
	"errors"
	"fmt"
)

// ErrMissingChannel is matched by every MissingChannelError.
var ErrMissingChannel = errors.New("missing channel")

// MissingChannelError reports a configured channel that is absent from the montage.
type MissingChannelError struct {
	Channel string
	Context string
}

func (e *MissingChannelError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("channel %q not found in montage", e.Channel)
	}
	return fmt.Sprintf("channel %q used by %s not found in montage", e.Channel, e.Context)
}

func (e *MissingChannelError) Unwrap() error {
	return ErrMissingChannel
}
