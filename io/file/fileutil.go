// Package file enforces a single entrypoint for filesystem writes in
// questline, with standardized permissions from the io config.
package file

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/questline/questline/config/params"
)

// HomeDir for a user.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// ExpandPath expands a file path, replacing a leading tilde with the user's
// home directory and resolving environment variables.
func ExpandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~\\") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "could not determine home directory")
		}
		p = home + p[1:]
	}
	return filepath.Abs(filepath.Clean(os.ExpandEnv(p)))
}

// MkdirAll takes in a path, expands it if necessary, and creates the
// directory accordingly with standardized project permissions. An existing
// directory must already carry those permissions.
func MkdirAll(dirPath string) error {
	expanded, err := ExpandPath(dirPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(expanded)
	if err == nil && info.IsDir() {
		if info.Mode().Perm() != params.QuestlineIoConfig().ReadWriteExecutePermissions {
			return errors.New("dir already exists without proper 0700 permissions")
		}
	}
	return os.MkdirAll(expanded, params.QuestlineIoConfig().ReadWriteExecutePermissions)
}

// WriteFile writes binary data to a file with standardized project
// permissions.
func WriteFile(fname string, data []byte) error {
	expanded, err := ExpandPath(fname)
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, data, params.QuestlineIoConfig().ReadWritePermissions)
}

// Exists returns true if a regular file exists at the specified path.
func Exists(fname string) bool {
	expanded, err := ExpandPath(fname)
	if err != nil {
		return false
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists returns true if a directory exists at the specified path.
func DirExists(dirPath string) bool {
	expanded, err := ExpandPath(dirPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return false
	}
	return info.IsDir()
}
