package platform

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
)

// Env is what default host config paths resolve against.
type Env struct {
	GOOS    string
	Home    string
	AppData string // %APPDATA% on windows
}

// DetectEnv describes the current user. Under sudo the invoking user's home is
// used so the real user's host configs are found.
func DetectEnv() Env {
	return Env{
		GOOS:    runtime.GOOS,
		Home:    RealUserHome(),
		AppData: os.Getenv("APPDATA"),
	}
}

// RealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so SUDO_USER is consulted.
func RealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

// userConfigDir mirrors os.UserConfigDir for e.GOOS.
func (e Env) userConfigDir() string {
	switch e.GOOS {
	case "darwin":
		return filepath.Join(e.Home, "Library", "Application Support")
	case "windows":
		if e.AppData != "" {
			return e.AppData
		}
		return filepath.Join(e.Home, "AppData", "Roaming")
	default:
		return filepath.Join(e.Home, ".config")
	}
}
