package slurm

import (
	"encoding/json"
)

// TrackedValue models the {set, number} integer fields of the SLURM REST
// API. Marshalling a bare integer is not equivalent: slurmrestd ignores
// values whose set flag is false.
type TrackedValue struct {
	Set    bool  `json:"set"`
	Number int64 `json:"number"`
}

// JobPayload is the job description inside a submission request.
// Ref: https://slurm.schedmd.com/rest_api.html#v0.0.42_job_submit_req
type JobPayload struct {
	Script                  string        `json:"script"`
	Environment             []string      `json:"environment"`
	CurrentWorkingDirectory string        `json:"current_working_directory"`
	Name                    string        `json:"name"`
	Partition               string        `json:"partition"`
	CPUsPerTask             int64         `json:"cpus_per_task"`
	MemoryPerCPU            *TrackedValue `json:"memory_per_cpu,omitempty"`
	TimeLimit               *TrackedValue `json:"time_limit,omitempty"`
	StandardOutput          string        `json:"standard_output"`
	StandardError           string        `json:"standard_error"`
	Dependency              string        `json:"dependency,omitempty"`
}

// SubmitRequest is the full POST body of job/submit.
type SubmitRequest struct {
	Username string     `json:"username"`
	Job      JobPayload `json:"job"`
}

// apiError is one element of the errors array slurmrestd attaches to failed
// requests.
type apiError struct {
	ErrorNumber int    `json:"error_number"`
	Description string `json:"description"`
	Error       string `json:"error"`
}

// submitResponse is the interesting subset of the job submission response.
type submitResponse struct {
	JobID  int64      `json:"job_id"`
	Errors []apiError `json:"errors"`
}

// jobStateBlock carries the current state array of an accounting job record.
type jobStateBlock struct {
	Current []string `json:"current"`
}

// jobInfo is the interesting subset of one accounting job record.
type jobInfo struct {
	JobID int64         `json:"job_id"`
	Name  string        `json:"name"`
	User  string        `json:"user"`
	State jobStateBlock `json:"state"`
}

// jobsResponse is the envelope of the slurmdb jobs endpoints.
type jobsResponse struct {
	Jobs []jobInfo `json:"jobs"`
}

// QueryResult wraps a raw slurmrestd response body together with the query
// identity. It is the response shape of the raw passthrough endpoints.
type QueryResult struct {
	Username string          `json:"slurm_query_username"`
	URL      string          `json:"slurm_query_url"`
	Response json.RawMessage `json:"response"`
}
