// Package osexec implements subprocess execution functions
package osexec

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"syscall"
)

const sudoCmd = "sudo"

// Custom errors.
var (
	ErrInvalidUID = errors.New("invalid UID")
	ErrInvalidGID = errors.New("invalid GID")
)

// procAttrs returns process attributes for the subprocess. According to setpgid
// docs (https://man7.org/linux/man-pages/man2/setpgid.2.html) we cannot use
// setpgid and setsid at the same time.
func procAttrs(cmd string) *syscall.SysProcAttr {
	if cmd == sudoCmd {
		// Attach a separate terminal less session to the subprocess
		// This is to avoid prompting for password when we run command with sudo
		// Ref: https://stackoverflow.com/questions/13432947/exec-external-program-script-and-detect-if-it-requests-user-input
		return &syscall.SysProcAttr{Setsid: true}
	}

	// Start child process in its own process group so that interrupt signal will
	// not stop the command
	return &syscall.SysProcAttr{Setpgid: true}
}

// Execute command and return stdout/stderr.
func Execute(cmd string, args []string, env []string) ([]byte, error) {
	execCmd := exec.Command(cmd, args...)

	// If env is not nil pointer, add env vars into subprocess cmd
	if env != nil {
		execCmd.Env = append(os.Environ(), env...)
	}

	execCmd.SysProcAttr = procAttrs(cmd)

	// Execute command
	return execCmd.CombinedOutput()
}

// ExecuteAs executes a command as a given UID and GID and return stdout/stderr.
func ExecuteAs(cmd string, args []string, uid int, gid int, env []string) ([]byte, error) {
	execCmd := exec.Command(cmd, args...)

	// Check bounds on uid and gid before converting into uint32
	uidUint32, err := convertToUint(uid, ErrInvalidUID)
	if err != nil {
		return nil, err
	}

	gidUint32, err := convertToUint(gid, ErrInvalidGID)
	if err != nil {
		return nil, err
	}

	// Set uid and gid for process
	execCmd.SysProcAttr = procAttrs(cmd)
	execCmd.SysProcAttr.Credential = &syscall.Credential{Uid: uidUint32, Gid: gidUint32}

	// If env is not nil pointer, add env vars into subprocess cmd
	if env != nil {
		execCmd.Env = append(os.Environ(), env...)
	}

	// Execute command
	return execCmd.CombinedOutput()
}

// ExecuteContext executes a command with context and return stdout/stderr.
func ExecuteContext(ctx context.Context, cmd string, args []string, env []string) ([]byte, error) {
	execCmd := exec.CommandContext(ctx, cmd, args...)

	// If env is not nil pointer, add env vars into subprocess cmd
	if env != nil {
		execCmd.Env = append(os.Environ(), env...)
	}

	execCmd.SysProcAttr = procAttrs(cmd)

	// Execute command
	return execCmd.CombinedOutput()
}

// ExecuteAsContext executes a command as a given UID and GID with context and
// return stdout/stderr.
func ExecuteAsContext(
	ctx context.Context,
	cmd string,
	args []string,
	uid int,
	gid int,
	env []string,
) ([]byte, error) {
	execCmd := exec.CommandContext(ctx, cmd, args...)

	// Check bounds on uid and gid before converting into uint32
	uidUint32, err := convertToUint(uid, ErrInvalidUID)
	if err != nil {
		return nil, err
	}

	gidUint32, err := convertToUint(gid, ErrInvalidGID)
	if err != nil {
		return nil, err
	}

	// Set uid and gid for process
	execCmd.SysProcAttr = procAttrs(cmd)
	execCmd.SysProcAttr.Credential = &syscall.Credential{Uid: uidUint32, Gid: gidUint32}

	// If env is not nil pointer, add env vars into subprocess cmd
	if env != nil {
		execCmd.Env = append(os.Environ(), env...)
	}

	return execCmd.CombinedOutput()
}

// convertToUint converts int to uint32 after checking bounds.
func convertToUint(i int, outOfBounds error) (uint32, error) {
	if i >= 0 && i <= math.MaxInt32 {
		return uint32(i), nil
	}

	return 0, outOfBounds
}
