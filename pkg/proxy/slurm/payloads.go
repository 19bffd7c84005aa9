package slurm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

// DefaultEnvironment is the minimal PATH handed to jobs whose task does not
// set one.
const DefaultEnvironment = "PATH=/bin/:/usr/bin/:/sbin/"

// Resource envelope of preliminary jobs. They only run a handful of mkdir
// calls, so 1 CPU, 100 MB and 100 minutes are plenty.
const (
	preliminaryCPUs   int64 = 1
	preliminaryMemory int64 = 100
	preliminaryTime   int64 = 100
)

// PreliminaryRequest builds the submission creating the directory tree of a
// task. The main job is chained onto it with an afterok dependency so it
// never starts before its directories exist.
func PreliminaryRequest(task *models.Task) *SubmitRequest {
	mkdir := strings.Join([]string{
		"mkdir -p " + task.Dirs.Parent,
		"mkdir -p " + task.Dirs.Input,
		"mkdir -p " + task.Dirs.Output,
		"mkdir -p " + task.Dirs.Error,
	}, " ; ")

	return &SubmitRequest{
		Username: task.Username,
		Job: JobPayload{
			Script:                  wrapScript(mkdir),
			Environment:             []string{DefaultEnvironment},
			CurrentWorkingDirectory: task.Cwd,
			Name:                    base.PreliminaryJobName(task),
			Partition:               task.Slurm.Partition,
			CPUsPerTask:             preliminaryCPUs,
			MemoryPerCPU:            &TrackedValue{Set: true, Number: preliminaryMemory},
			TimeLimit:               &TrackedValue{Set: true, Number: preliminaryTime},
			StandardOutput:          "/dev/null",
			StandardError:           "/dev/null",
		},
	}
}

// MainRequest builds the submission running the task command after the
// preliminary job completed successfully.
func MainRequest(task *models.Task, taskCmd string, preliminaryJobID int64) *SubmitRequest {
	environment := task.Slurm.Environment
	if environment == "" {
		environment = DefaultEnvironment
	}

	return &SubmitRequest{
		Username: task.Username,
		Job: JobPayload{
			Script:                  wrapScript(taskCmd),
			Environment:             []string{environment},
			CurrentWorkingDirectory: task.Cwd,
			Name:                    base.MainJobName(task),
			Partition:               task.Slurm.Partition,
			CPUsPerTask:             task.Slurm.CPUsPerTask,
			MemoryPerCPU:            &TrackedValue{Set: true, Number: task.Slurm.Mem},
			TimeLimit:               &TrackedValue{Set: true, Number: task.Slurm.Time},
			StandardOutput:          task.Dirs.Output + "/" + task.Slurm.Output,
			StandardError:           task.Dirs.Error + "/" + task.Slurm.Error,
			Dependency:              fmt.Sprintf("afterok:%d", preliminaryJobID),
		},
	}
}

// SubmitTask runs the two phase submission of one task and returns the main
// job id. The preliminary job id only lives inside the dependency string of
// the main job.
func (c *Client) SubmitTask(ctx context.Context, task *models.Task, taskCmd string) (int64, error) {
	preliminaryID, err := c.Submit(ctx, PreliminaryRequest(task))
	if err != nil {
		return base.BadJobID, fmt.Errorf("preliminary submit step failed: %w", err)
	}

	c.logger.Debug("Preliminary job submitted", "task", task.Name, "uuid", task.UUID, "job_id", preliminaryID)

	mainID, err := c.Submit(ctx, MainRequest(task, taskCmd, preliminaryID))
	if err != nil {
		return base.BadJobID, fmt.Errorf("main submit step failed: %w", err)
	}

	c.logger.Info("Task submitted", "task", task.Name, "uuid", task.UUID, "job_id", mainID, "dependency", preliminaryID)

	return mainID, nil
}

// wrapScript wraps a command into the srun bootstrap script the proxy
// submits on the REST path.
func wrapScript(cmd string) string {
	return fmt.Sprintf("#!/bin/bash\nsrun /bin/bash -c '%s;'", cmd)
}
