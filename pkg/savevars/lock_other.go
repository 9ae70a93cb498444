//go:build !unix

// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package savevars

// lockFile is a no-op where flock is unavailable.
func lockFile(path string) (func(), error) {
	return func() {}, nil
}
