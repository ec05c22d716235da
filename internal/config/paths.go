// Package config resolves the filesystem locations the harness uses.
// The home directory is process-wide but always passed down explicitly;
// components never reach for a global path themselves.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	// HomeDirName is the default harness home under the user's home.
	HomeDirName = ".cloud-harness"
	// EventsFileName is the append-only audit log inside the home.
	EventsFileName = "events.log"
	// LocksDirName holds the controller lock and heartbeat files.
	LocksDirName = "locks"
)

// DefaultHome returns the user-home-relative harness home. It is a
// variable so tests can redirect it.
var DefaultHome = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, HomeDirName), nil
}

// ResolveHome picks the harness home. Resolution order:
// 1. Explicit config via "home" (flag, C_HARNESS_HOME env, config file)
// 2. ~/.cloud-harness
func ResolveHome() (string, error) {
	if p := viper.GetString("home"); p != "" {
		return filepath.Abs(p)
	}
	return DefaultHome()
}

// EventsPath returns the event log path for a home.
func EventsPath(home string) string {
	return filepath.Join(home, EventsFileName)
}

// LocksDir returns the lock directory for a home.
func LocksDir(home string) string {
	return filepath.Join(home, LocksDirName)
}
