package ssh

import (
	"fmt"
	"path"
	"strings"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

// statusFormat selects the sacct columns parseStatusLine expects, in order.
const statusFormat = "--format=JobID,Jobname%-128,state,User,partition,time,start,end,elapsed"

// batchCommand renders the single remote invocation submitting one task: the
// directory tree first, then sbatch wrapping the task command. Unlike the
// REST path there is no preliminary job and no parent directory.
func batchCommand(task *models.Task, taskCmd string) string {
	dirCmd := strings.Join([]string{
		"mkdir -p " + task.Dirs.Input,
		"mkdir -p " + task.Dirs.Output,
		"mkdir -p " + task.Dirs.Error,
	}, " ; ")

	// Tasks written for the REST transport leave the node geometry unset.
	// sbatch defaults both to 1, so do the same here.
	nodes := task.Slurm.Nodes
	if nodes == 0 {
		nodes = 1
	}

	ntasks := task.Slurm.NtasksPerNode
	if ntasks == 0 {
		ntasks = 1
	}

	name := task.Slurm.JobName
	if name == "" {
		name = base.MainJobName(task)
	}

	batch := []string{
		"sbatch",
		"--parsable",
		"--job-name=" + name,
		"--output=" + path.Join(task.Dirs.Output, task.Slurm.Output),
		"--error=" + path.Join(task.Dirs.Error, task.Slurm.Error),
		fmt.Sprintf("--nodes=%d", nodes),
		fmt.Sprintf("--mem=%d", task.Slurm.Mem),
		fmt.Sprintf("--cpus-per-task=%d", task.Slurm.CPUsPerTask),
		fmt.Sprintf("--ntasks-per-node=%d", ntasks),
		"--partition=" + task.Slurm.Partition,
	}

	if task.Slurm.Time > 0 {
		batch = append(batch, fmt.Sprintf("--time=%d", task.Slurm.Time))
	}

	batch = append(batch, fmt.Sprintf("--wrap='%s'", taskCmd))

	return dirCmd + " ; " + strings.Join(batch, " ")
}

// statusCommand renders the sacct lookup of one job.
func statusCommand(jobID int64) string {
	return fmt.Sprintf("sacct -j %d %s --noheader --parsable2", jobID, statusFormat)
}

// statusByStateCommand renders the sacct listing of all jobs in one state.
func statusByStateCommand(state models.State) string {
	return fmt.Sprintf("sacct --state %s %s --noheader --parsable2", state, statusFormat)
}

// cancelCommand renders the scancel call of one job.
func cancelCommand(jobID int64) string {
	return fmt.Sprintf("scancel %d", jobID)
}

// parseStatusLine splits one pipe separated sacct row into a JobStatus.
// States outside the known set are normalised to UNKNOWN.
func parseStatusLine(line string) (*models.JobStatus, error) {
	fields := strings.Split(strings.TrimSpace(line), "|")
	if len(fields) < 9 {
		return nil, fmt.Errorf("%w: unexpected sacct output: %q", ErrCommandFailed, line)
	}

	for i, field := range fields {
		fields[i] = strings.TrimSpace(field)
	}

	return &models.JobStatus{
		JobID:     fields[0],
		JobName:   fields[1],
		State:     string(models.NormalizeState(fields[2])),
		User:      fields[3],
		Partition: fields[4],
		Time:      fields[5],
		Start:     fields[6],
		End:       fields[7],
		Elapsed:   fields[8],
	}, nil
}
