/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package mesh

import (
	"github.com/rogpeppe/fastuuid"
)

var guidGenerator = fastuuid.MustNewGenerator()

// computeInitiator decides which side of a peer pair creates the initial
// offer. The participant whose id sorts lower is the initiator, both sides
// agree without coordination, avoiding offer glare.
func computeInitiator(source, target string) bool {
	if source == "" {
		return false
	}

	return source < target
}

func newRandomGUID() string {
	return guidGenerator.Hex128()
}
