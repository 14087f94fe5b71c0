// SPDX-License-Identifier: GPL-3.0-or-later

package dnscache

import "errors"

// errNoResolvers is returned when Resolve is called with no configured
// resolvers.
var errNoResolvers = errors.New("dnscache: no resolvers configured")
