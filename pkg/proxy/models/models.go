// Package models defines the data models of the proxy: submitted tasks, the
// registry job records and the live scheduler view of jobs.
package models

import (
	"github.com/mahendrapaipuri/slurm-proxy/internal/structset"
)

const jobsTableName = "jobs"

// TaskDirs is the set of cluster side directories a task needs. The
// preliminary job creates them before the main job starts. All paths must
// be absolute.
type TaskDirs struct {
	Parent string `json:"parent"` // Parent directory of the task tree
	Input  string `json:"input"`  // Directory holding task inputs
	Output string `json:"output"` // Directory standard output is written to
	Error  string `json:"error"`  // Directory standard error is written to
}

// TaskSlurm carries the SLURM resource block of a task.
type TaskSlurm struct {
	JobName       string `json:"job_name,omitempty"`        // Job name used by the SSH transport. REST submissions are always named after the task name and uuid
	Partition     string `json:"partition"`                 // Partition the jobs are submitted to
	Nodes         int64  `json:"nodes,omitempty"`           // Node count. Only used by the SSH transport
	NtasksPerNode int64  `json:"ntasks_per_node,omitempty"` // Tasks per node. Only used by the SSH transport
	CPUsPerTask   int64  `json:"cpus_per_task"`             // CPUs per task
	Mem           int64  `json:"mem"`                       // Memory per CPU in MB
	Time          int64  `json:"time"`                      // Time limit in minutes
	Output        string `json:"output"`                    // Standard output file name inside dirs.output
	Error         string `json:"error"`                     // Standard error file name inside dirs.error
	Environment   string `json:"environment,omitempty"`     // Environment of the main job, defaults to a minimal PATH
}

// Notification is the task level override of the catalog notification
// policy. Methods are added to the catalog set, params are overlaid per key.
type Notification struct {
	Methods []string           `json:"methods,omitempty"`
	Params  map[string]Generic `json:"params,omitempty"`
}

// Task is the client submitted document describing one compute job. It is
// immutable once accepted and stored verbatim inside the job record.
type Task struct {
	Name         string        `json:"name"`                   // Key into the task catalog
	Username     string        `json:"username"`               // SLURM user the jobs run as
	UUID         string        `json:"uuid"`                   // Client generated idempotency key
	Cwd          string        `json:"cwd"`                    // Working directory on the cluster
	Cmd          string        `json:"cmd,omitempty"`          // Optional command overriding the catalog default
	Params       []string      `json:"params,omitempty"`       // Arguments appended after the catalog default params
	Dirs         TaskDirs      `json:"dirs"`                   // Directories prepared by the preliminary job
	Slurm        TaskSlurm     `json:"slurm"`                  // Resource block
	Notification *Notification `json:"notification,omitempty"` // Notification policy override
}

// JobRecord is one row of the job registry: the task document plus the
// identity and last observed state of the main SLURM job spawned for it.
type JobRecord struct {
	ID            int64   `json:"-"               sql:"id"              sqlitetype:"integer not null primary key"`
	SlurmUsername string  `json:"slurm_username"  sql:"slurm_username"  sqlitetype:"text"`    // User the job was submitted as
	SlurmJobID    int64   `json:"slurm_job_id"    sql:"slurm_job_id"    sqlitetype:"integer"` // Main job ID, unique within the registry
	SlurmJobState State   `json:"slurm_job_state" sql:"slurm_job_state" sqlitetype:"text"`    // Last observed state, UNKNOWN until the poller reconciles
	Task          Task    `json:"task"            sql:"task"            sqlitetype:"text"`    // Submitted task document, stored as JSON
	CreatedAt     string  `json:"created_at"      sql:"created_at"      sqlitetype:"text"`    // Submission time in UTC
	UpdatedAt     *string `json:"updated_at"      sql:"updated_at"      sqlitetype:"text"`    // Last state change time in UTC, null until first update
}

// TableName returns the table which job records are stored into.
func (JobRecord) TableName() string {
	return jobsTableName
}

// TagNames returns a slice of all tag names.
func (j JobRecord) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(j, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (j JobRecord) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(j, keyTag, valueTag)
}

// SlurmJob is the live scheduler view of a job.
type SlurmJob struct {
	Username string `json:"username"`
	JobID    int64  `json:"job_id"`
	JobState State  `json:"job_state"`
}

// JobStatus is one accounting row of a job as reported by sacct or the
// accounting REST endpoint.
type JobStatus struct {
	JobID     string `json:"job_id"`
	JobName   string `json:"job_name"`
	State     string `json:"state"`
	User      string `json:"user"`
	Partition string `json:"partition"`
	Time      string `json:"time"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Elapsed   string `json:"elapsed"`
}

// JobSummary pairs the live scheduler view of a job with its registry record.
// It is the response shape of the monitor lookup endpoints.
type JobSummary struct {
	Slurm   *SlurmJob  `json:"slurm"`
	Monitor *JobRecord `json:"monitor"`
}
