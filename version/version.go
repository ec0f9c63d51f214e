// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package version

// GitCommit is set at build time with
// -ldflags "-X github.com/lachlanorr/kscope/version.GitCommit=..."
var GitCommit = "dev"
