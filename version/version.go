/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2026 meshvc and its licensors
 */

package version

// Version is the software version, set at build time.
var Version = "0.0.0-unreleased"
