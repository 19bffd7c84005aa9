// Package base defines the names and variables that have global scope
// throughout which can be used in other subpackages
package base

import (
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

// SlurmProxyAppName is kingpin app name.
const SlurmProxyAppName = "slurm_proxy"

// SlurmProxyApp is kingpin app.
var SlurmProxyApp = *kingpin.New(
	SlurmProxyAppName,
	"Proxy service for submitting and monitoring batch jobs on SLURM clusters.",
)

// SlurmProxyDBName is the file name of the job registry inside the data
// directory.
const SlurmProxyDBName = "slurm_proxy.db"

// MetricsNamespace prefixes every Prometheus metric the proxy exports.
const MetricsNamespace = "slurm_proxy"

// DB table name.
var JobsDBTableName = models.JobRecord{}.TableName()

// Slice of all field names of JobRecord struct.
var JobsDBTableColNames = models.JobRecord{}.TagNames("sql")

// Map of DB column names to DB column type.
var JobsDBTableColTypeMap = models.JobRecord{}.TagMap("sql", "sqlitetype")

// DatetimeLayout to be used in the package. Registry timestamps are stored
// in this layout in UTC, which keeps them lexically sortable.
var DatetimeLayout = fmt.Sprintf("%sT%s", time.DateOnly, time.TimeOnly)

// Job names carry this prefix followed by the task name, the task uuid and a
// phase suffix, so cluster operators can trace a SLURM job back to the proxy
// submission that spawned it.
const (
	JobNamePrefix            = "hpc-proxy"
	PreliminaryJobNamePrefix = JobNamePrefix + "-preliminary"
)

// MainJobName returns the scheduler job name of the main job of a task.
func MainJobName(task *models.Task) string {
	return fmt.Sprintf("%s-%s-%s-main", JobNamePrefix, task.Name, task.UUID)
}

// PreliminaryJobName returns the scheduler job name of the preliminary job of
// a task.
func PreliminaryJobName(task *models.Task) string {
	return fmt.Sprintf("%s-%s-%s-preliminary", PreliminaryJobNamePrefix, task.Name, task.UUID)
}

// GenericUsername is substituted whenever a caller does not provide a
// username.
const GenericUsername = "generic"

// GenericTaskName is the catalog entry jobs fall under when they were not
// submitted through the proxy.
const GenericTaskName = "generic"

// BadJobID marks a failed submission.
const BadJobID int64 = -1

// TestJobID short circuits job status lookups with a canned response,
// bypassing the scheduler entirely.
const TestJobID int64 = 123

// TestJobStatus is the canned accounting row served for TestJobID.
var TestJobStatus = models.JobStatus{
	JobID:     "123",
	JobName:   "abcd1234",
	State:     "COMPLETED",
	User:      "username",
	Partition: "partition",
	Time:      "UNLIMITED",
	Start:     "2025-04-14T08:57:46",
	End:       "2025-04-14T11:00:44",
	Elapsed:   "02:02:58",
}
