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
	"fmt"
	"slices"
)

// AverageReference re-references the recording in place to the mean of all
// channels not listed in exclude. Excluded channels are re-referenced too but
// do not contribute to the reference.
func AverageReference(raw *Raw, exclude []string) error {
	var included []int
	for i, ch := range raw.Channels {
		if !slices.Contains(exclude, ch) {
			included = append(included, i)
		}
	}
	if len(included) == 0 {
		return fmt.Errorf("no channels left to build an average reference")
	}

	for s := 0; s < raw.Samples(); s++ {
		var ref float64
		for _, i := range included {
			ref += raw.Data[i][s]
		}
		ref /= float64(len(included))
		for i := range raw.Data {
			raw.Data[i][s] -= ref
		}
	}

	return nil
}
