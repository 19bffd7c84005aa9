// Package security implements dropping of privileges when the proxy is
// started as root. The proxy itself never needs elevated privileges: it only
// talks to slurmrestd and SSH endpoints and writes its own data directory.
package security

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/wneessen/go-fileperm"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Config controls which user the process switches to and which paths must
// stay usable after the switch.
type Config struct {
	RunAsUser      string   // Change to this user if app is started as root
	ReadPaths      []string // Paths that RunAsUser must be able to read
	ReadWritePaths []string // Paths that RunAsUser must be able to read and write
}

// DropPrivileges changes a root process to RunAsUser and clears every Linux
// capability. When the process is not root it only clears any capabilities
// inherited from the environment; the proxy performs no privileged
// operations, so an empty capability set is always correct.
func DropPrivileges(config *Config) error {
	if syscall.Geteuid() != 0 {
		existing := cap.GetProc()

		// Nothing to do when the process carries no capabilities.
		if isPriv, err := existing.Cf(cap.NewSet()); err == nil && isPriv == 0 {
			return nil
		}

		return clearCapabilities()
	}

	// Hand the data paths over to RunAsUser before switching, otherwise the
	// registry becomes unwritable after the UID change.
	if err := changeOwnership(config); err != nil {
		return err
	}

	if err := changeUser(config.RunAsUser); err != nil {
		return err
	}

	// A parent directory without rx for others can still make these paths
	// unreachable for RunAsUser, so verify after the switch.
	if err := pathsReachable(config); err != nil {
		return err
	}

	return clearCapabilities()
}

// changeUser switches the current user to localUserName.
func changeUser(localUserName string) error {
	localUser, err := user.Lookup(localUserName)
	if err != nil {
		return fmt.Errorf("could not lookup %s: %w", localUserName, err)
	}

	localUserUID, err := strconv.Atoi(localUser.Uid)
	if err != nil {
		return fmt.Errorf("could not parse UID %s as int: %w", localUser.Uid, err)
	}

	localUserGID, err := strconv.Atoi(localUser.Gid)
	if err != nil {
		return fmt.Errorf("could not parse GID %s as int: %w", localUser.Gid, err)
	}

	// Set the main group first so files created later are owned by the
	// user's group.
	if err := syscall.Setgid(localUserGID); err != nil {
		return fmt.Errorf("could not set gid to %d: %w", localUserGID, err)
	}

	// Not the regular Setuid: cap.SetUID keeps the thread group consistent
	// while switching, see the libcap docs.
	if err := cap.SetUID(localUserUID); err != nil {
		return fmt.Errorf("could not setuid to %d: %w", localUserUID, err)
	}

	return os.Setenv("HOME", localUser.HomeDir)
}

// pathsReachable tests if all the relevant paths are usable by RunAsUser
// after the switch. Reaching the path at all already needs rx on every parent
// directory, which is what fileperm.New trips over when it is missing.
func pathsReachable(config *Config) error {
	for _, path := range config.ReadPaths {
		if path == "" {
			continue
		}

		fperms, err := fileperm.New(path)
		if err != nil {
			return fmt.Errorf("could not reach path %s after changing user to %s: %w", path, config.RunAsUser, err)
		}

		if !hasRead(fperms) {
			return fmt.Errorf("path %s is not readable by %s", path, config.RunAsUser)
		}
	}

	for _, path := range config.ReadWritePaths {
		if path == "" {
			continue
		}

		fperms, err := fileperm.New(path)
		if err != nil {
			return fmt.Errorf("could not reach path %s after changing user to %s: %w", path, config.RunAsUser, err)
		}

		if !hasReadWrite(fperms) {
			return fmt.Errorf("path %s is not writable by %s", path, config.RunAsUser)
		}
	}

	return nil
}

// hasRead returns true if the current user has r permissions on the path,
// rx when it is a directory.
func hasRead(p fileperm.PermUser) bool {
	if p.Stat.Mode().IsDir() {
		return p.UserReadExecutable()
	}

	return p.UserReadable()
}

// hasReadWrite returns true if the current user has rw permissions on the
// path, rwx when it is a directory.
func hasReadWrite(p fileperm.PermUser) bool {
	if p.Stat.Mode().IsDir() {
		return p.UserWriteReadExecutable()
	}

	return p.UserWriteReadable()
}

// changeOwnership changes the ownership on all relevant files to RunAsUser.
func changeOwnership(config *Config) error {
	for _, path := range config.ReadPaths {
		if path == "" {
			continue
		}

		if err := changePathOwnership(path, config.RunAsUser, false); err != nil {
			return err
		}
	}

	for _, path := range config.ReadWritePaths {
		if path == "" {
			continue
		}

		if err := changePathOwnership(path, config.RunAsUser, true); err != nil {
			return err
		}
	}

	return nil
}

// changePathOwnership changes the user ownership on a given path to the user.
func changePathOwnership(path string, runAsUserName string, readWrite bool) error {
	runAsUser, err := user.Lookup(runAsUserName)
	if err != nil {
		return fmt.Errorf("could not lookup %s: %w", runAsUserName, err)
	}

	runAsUserUID, err := strconv.Atoi(runAsUser.Uid)
	if err != nil {
		return fmt.Errorf("could not parse UID %s as int: %w", runAsUser.Uid, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("could not stat path %s: %w", path, err)
	}

	// Conserve the group of the path.
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("could not get UID and GID of path %s", path)
	}

	if err := os.Chown(path, runAsUserUID, int(stat.Gid)); err != nil {
		return fmt.Errorf("could not change ownership on path %s: %w", path, err)
	}

	if readWrite {
		if err := os.Chmod(path, info.Mode()|(os.FileMode(syscall.S_IWUSR))); err != nil {
			return fmt.Errorf("could not change permissions on path %s: %w", path, err)
		}
	}

	return nil
}

// clearCapabilities applies an empty capability set to the current process,
// including all threads.
func clearCapabilities() error {
	if err := cap.NewSet().SetProc(); err != nil {
		return fmt.Errorf("error clearing process capabilities: %w", err)
	}

	return nil
}
