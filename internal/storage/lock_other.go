//go:build !unix && !windows

package storage

import "os"

// Platforms without advisory locks run unlocked.
func lockFile(*os.File, bool, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
