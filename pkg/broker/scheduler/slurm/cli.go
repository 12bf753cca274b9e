package slurm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	internal_osexec "github.com/combs-dev/combs/internal/osexec"
	"github.com/combs-dev/combs/internal/security"
	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// slurmStates maps sacct state strings onto broker job states. CANCELLED
// needs a prefix match as sacct reports "CANCELLED by <uid>".
var slurmStates = map[string]models.JobState{
	"PENDING":       models.JobStatePending,
	"REQUEUED":      models.JobStateQueued,
	"RUNNING":       models.JobStateRunning,
	"COMPLETING":    models.JobStateRunning,
	"SUSPENDED":     models.JobStateSuspended,
	"COMPLETED":     models.JobStateCompleted,
	"FAILED":        models.JobStateFailed,
	"NODE_FAIL":     models.JobStateFailed,
	"BOOT_FAIL":     models.JobStateFailed,
	"OUT_OF_MEMORY": models.JobStateFailed,
	"PREEMPTED":     models.JobStateFailed,
	"DEADLINE":      models.JobStateTimeout,
	"TIMEOUT":       models.JobStateTimeout,
	"CANCELLED":     models.JobStateCancelled,
}

// sacctJob holds the fields parsed from one sacct output line.
type sacctJob struct {
	state       string
	exitCode    int64
	elapsed     int64
	nNodes      int64
	nCPUs       int64
	memBytes    int64
	startedAt   string
	startedAtTS int64
	endedAt     string
	endedAtTS   int64
}

// Run preflights for CLI execution mode.
func preflightsCLI(slurm *slurmManager) error {
	// Assume execMode is always native
	slurm.cmdExecMode = nativeMode
	slurm.logger.Debug("Using SLURM CLI commands")

	// If no bin path is provided, assume utilities are available on PATH
	if slurm.cluster.CLI.Path == "" {
		path, err := exec.LookPath("sbatch")
		if err != nil {
			slurm.logger.Error("Failed to find SLURM utility executables on PATH", "err", err)

			return err
		}

		slurm.cluster.CLI.Path = filepath.Dir(path)
	} else {
		// Check if slurm binary directory exists at the given path
		if _, err := os.Stat(slurm.cluster.CLI.Path); err != nil {
			slurm.logger.Error("Failed to open SLURM bin dir", "path", slurm.cluster.CLI.Path, "err", err)

			return err
		}
	}

	// Check if current capabilities have required caps
	haveCaps := true

	currentCaps := cap.GetProc().String()

	for _, name := range requiredCaps {
		if !strings.Contains(currentCaps, name) {
			haveCaps = false

			break
		}
	}

	// If current user is root or if current process has necessary caps, setup security context
	if currentUser, err := user.Current(); err == nil && currentUser.Uid == "0" || haveCaps {
		slurm.cmdExecMode = capabilityMode
		slurm.logger.Info("Current user/process have enough privileges to execute SLURM commands")

		var caps []cap.Value

		for _, name := range requiredCaps {
			value, err := cap.FromName(name)
			if err != nil {
				slurm.logger.Error("Error parsing capability", "name", name, "err", err)

				continue
			}

			caps = append(caps, value)
		}

		securityCtx, err := security.NewSecurityContext(&security.SCConfig{
			Name:   slurmExecCmdCtx,
			Caps:   caps,
			Func:   security.ExecAsUser,
			Logger: slurm.logger,
		})
		if err != nil {
			slurm.logger.Error("Failed to create a security context for SLURM", "err", err)

			return err
		}

		slurm.securityContexts[slurmExecCmdCtx] = securityCtx

		return nil
	}

	// Last attempt to run SLURM commands with sudo
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sacctPath := filepath.Join(slurm.cluster.CLI.Path, "sacct")
	if _, err := internal_osexec.ExecuteContext(ctx, sudoMode, []string{sacctPath, "--help"}, nil); err == nil {
		slurm.cmdExecMode = sudoMode
		slurm.logger.Info("sudo will be used to execute SLURM commands")

		return nil
	}

	// If nothing works give up. In the worst case submissions will be made as current user
	slurm.logger.Warn("SLURM commands will be executed as current user")

	return nil
}

// execCommand runs one SLURM utility in the configured execution mode.
func (s *slurmManager) execCommand(ctx context.Context, path string, args []string, env []string) ([]byte, error) {
	switch s.cmdExecMode {
	case capabilityMode:
		securityCtx, ok := s.securityContexts[slurmExecCmdCtx]
		if !ok {
			return nil, security.ErrNoSecurityCtx
		}

		cmd := append([]string{path}, args...)

		// security context data
		dataPtr := &security.ExecSecurityCtxData{
			Context: ctx,
			Cmd:     cmd,
			Environ: env,
			Logger:  s.logger,
			UID:     0,
			GID:     0,
		}

		if err := securityCtx.Exec(dataPtr); err != nil {
			return nil, err
		}

		return dataPtr.StdOut, nil
	case sudoMode:
		// Important that we need to export env as well as we set environment variables in the
		// command execution
		args = append([]string{"-E", path}, args...)

		return internal_osexec.ExecuteContext(ctx, sudoMode, args, env)
	default:
		return internal_osexec.ExecuteContext(ctx, path, args, env)
	}
}

// commandEnv merges the configured environment variables with base env.
func (s *slurmManager) commandEnv(base []string) []string {
	env := base
	for name, value := range s.cluster.CLI.EnvVars {
		env = append(env, fmt.Sprintf("%s=%s", name, value))
	}

	return env
}

// batchScript renders the job into an sbatch submission script.
func batchScript(job *models.Job) string {
	var sb strings.Builder

	sb.WriteString("#!/bin/bash\n")

	name := job.Name
	if name == "" {
		name = job.UUID
	}

	fmt.Fprintf(&sb, "#SBATCH --job-name=%s\n", name)
	fmt.Fprintf(&sb, "#SBATCH --nodes=%d\n", job.Nodes)
	fmt.Fprintf(&sb, "#SBATCH --cpus-per-task=%d\n", job.CPUCores)
	fmt.Fprintf(&sb, "#SBATCH --mem=%dG\n", job.MemoryGB)

	// sbatch takes the wall time limit in minutes
	fmt.Fprintf(&sb, "#SBATCH --time=%d\n", (job.WallTimeLimit+59)/60)

	if job.Partition != "" {
		fmt.Fprintf(&sb, "#SBATCH --partition=%s\n", job.Partition)
	}

	if job.GPUs > 0 {
		fmt.Fprintf(&sb, "#SBATCH --gres=gpu:%d\n", job.GPUs)
	}

	if len(job.Features) > 0 {
		fmt.Fprintf(&sb, "#SBATCH --constraint=%s\n", strings.Join(job.Features, "&"))
	}

	sb.WriteString("\n")
	sb.WriteString(job.Command)
	sb.WriteString("\n")

	return sb.String()
}

// runSbatchCmd renders the batch script to a temporary file and submits it.
func (s *slurmManager) runSbatchCmd(ctx context.Context, job *models.Job) ([]byte, error) {
	script, err := os.CreateTemp("", "combs-job-*.sh")
	if err != nil {
		return nil, err
	}

	defer os.Remove(script.Name())

	if _, err := script.WriteString(batchScript(job)); err != nil {
		script.Close()

		return nil, err
	}

	if err := script.Close(); err != nil {
		return nil, err
	}

	sbatchPath := filepath.Join(s.cluster.CLI.Path, "sbatch")
	args := []string{"--parsable", script.Name()}

	return s.execCommand(ctx, sbatchPath, args, s.commandEnv(nil))
}

// runSacctCmd fetches the accounting line of one job.
func (s *slurmManager) runSacctCmd(ctx context.Context, schedulerJobID string) ([]byte, error) {
	sacctPath := filepath.Join(s.cluster.CLI.Path, "sacct")

	// Use SLURM_TIME_FORMAT env var to get timezone offset
	env := s.commandEnv([]string{"SLURM_TIME_FORMAT=%Y-%m-%dT%H:%M:%S%z"})

	args := []string{
		"-X", "--noheader", "--parsable2",
		"--format", strings.Join(sacctFields, ","),
		"--jobs", schedulerJobID,
	}

	return s.execCommand(ctx, sacctPath, args, env)
}

// runScancelCmd requests cancellation of one job.
func (s *slurmManager) runScancelCmd(ctx context.Context, schedulerJobID string) ([]byte, error) {
	scancelPath := filepath.Join(s.cluster.CLI.Path, "scancel")

	return s.execCommand(ctx, scancelPath, []string{schedulerJobID}, s.commandEnv(nil))
}

// parseSbatchOutput extracts the job ID from sbatch --parsable output which
// is either "<jobid>" or "<jobid>;<cluster>".
func parseSbatchOutput(output []byte) (string, error) {
	jobID, _, _ := strings.Cut(strings.TrimSpace(string(output)), ";")
	if jobID == "" {
		return "", errors.New("empty job ID in sbatch output")
	}

	if _, err := strconv.ParseInt(jobID, 10, 64); err != nil {
		return "", fmt.Errorf("malformed job ID %s in sbatch output", jobID)
	}

	return jobID, nil
}

// parseSacctOutput parses the first job line of sacct --parsable2 output.
func parseSacctOutput(output string) (sacctJob, error) {
	for _, line := range strings.Split(output, "\n") {
		components := strings.Split(strings.TrimSpace(line), "|")
		if len(components) < len(sacctFields) {
			continue
		}

		// Ignore job steps
		if strings.Contains(components[0], ".") {
			continue
		}

		job := sacctJob{state: components[1], exitCode: models.UnknownExitCode}

		// Exit code is reported as <code>:<signal>
		codeString, _, _ := strings.Cut(components[2], ":")
		if code, err := strconv.ParseInt(codeString, 10, 64); err == nil {
			job.exitCode = code
		}

		job.elapsed, _ = strconv.ParseInt(components[3], 10, 64)

		// Parse alloctres to get nnodes, ncpus and mem
		for _, elem := range strings.Split(components[4], ",") {
			tresKV := strings.Split(elem, "=")
			if len(tresKV) != 2 {
				continue
			}

			switch tresKV[0] {
			case "node":
				job.nNodes, _ = strconv.ParseInt(tresKV[1], 10, 64)
			case "cpu":
				job.nCPUs, _ = strconv.ParseInt(tresKV[1], 10, 64)
			case "mem":
				job.memBytes = parseMemField(tresKV[1])
			}
		}

		job.startedAt, job.startedAtTS = normalizeTime(components[6])
		job.endedAt, job.endedAtTS = normalizeTime(components[7])

		return job, nil
	}

	return sacctJob{}, scheduler.ErrUnknownJob
}

// normalizeTime converts a sacct timestamp into the broker datetime layout
// and a millisecond timestamp. sacct reports "Unknown" for jobs that have
// not reached the boundary yet.
func normalizeTime(timeString string) (string, int64) {
	parsed, err := time.Parse(base.DatetimeZoneLayout, timeString)
	if err != nil {
		return "", 0
	}

	return parsed.Format(base.DatetimeLayout), parsed.UnixMilli()
}

// parseMemField converts the sacct memory strings of form 200M, 250.5G or
// plain bytes into bytes.
func parseMemField(memString string) int64 {
	matches := memRegex.FindStringSubmatch(memString)

	if len(matches) >= 2 {
		if memFloat, err := strconv.ParseFloat(matches[1], 64); err == nil {
			if len(matches) == 3 {
				if unitConv, ok := toBytes[matches[2]]; ok {
					return int64(memFloat * float64(unitConv))
				}
			}

			return int64(memFloat)
		}
	}

	return 0
}

// slurmJobState maps a sacct state string onto a broker job state.
func slurmJobState(state string) (models.JobState, error) {
	// sacct reports cancellations as "CANCELLED by <uid>"
	if strings.HasPrefix(state, "CANCELLED") {
		return models.JobStateCancelled, nil
	}

	if mapped, ok := slurmStates[state]; ok {
		return mapped, nil
	}

	return "", fmt.Errorf("unknown SLURM job state %s", state)
}
