package models

// State is a SLURM job state as reported by slurmrestd or sacct.
type State string

// Base states of SLURM jobs.
// Ref: https://slurm.schedmd.com/job_state_codes.html
const (
	StateBootFail    State = "BOOT_FAIL"
	StateCancelled   State = "CANCELLED"
	StateCompleted   State = "COMPLETED"
	StateCompleting  State = "COMPLETING"
	StateDeadline    State = "DEADLINE"
	StateFailed      State = "FAILED"
	StateNodeFail    State = "NODE_FAIL"
	StateOutOfMemory State = "OUT_OF_MEMORY"
	StatePending     State = "PENDING"
	StatePreempted   State = "PREEMPTED"
	StateRequeueFed  State = "REQUEUE_FED"
	StateRequeueHold State = "REQUEUE_HOLD"
	StateResizing    State = "RESIZING"
	StateResvDelHold State = "RESV_DEL_HOLD"
	StateRevoked     State = "REVOKED"
	StateRunning     State = "RUNNING"
	StateSignaling   State = "SIGNALING"
	StateSpecialExit State = "SPECIAL_EXIT"
	StateStageOut    State = "STAGE_OUT"
	StateStopped     State = "STOPPED"
	StateSuspended   State = "SUSPENDED"
	StateTimeout     State = "TIMEOUT"

	// StateUnknown is the sentinel every unrecognised scheduler state is
	// normalised to. It is never terminal.
	StateUnknown State = "UNKNOWN"
)

// StateInfo carries the two letter code and the human readable explanation
// of a SLURM job state.
type StateInfo struct {
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
}

// SlurmStates maps every SLURM job state known to the proxy to its code and
// explanation. States reported by the scheduler that are not in this map are
// normalised to StateUnknown.
var SlurmStates = map[State]StateInfo{
	StateCompleted:   {Code: "CD", Explanation: "The job has completed successfully."},
	StateCompleting:  {Code: "CG", Explanation: "The job is finishing but some processes are still active."},
	StateFailed:      {Code: "F", Explanation: "The job terminated with a non-zero exit code and failed to execute."},
	StatePending:     {Code: "PD", Explanation: "The job is waiting for resource allocation. It will eventually run."},
	StatePreempted:   {Code: "PR", Explanation: "The job has been terminated because it was preempted by another job."},
	StateRunning:     {Code: "R", Explanation: "The job currently is allocated to a node and is running."},
	StateSuspended:   {Code: "S", Explanation: "A running job has been stopped with its cores released to other jobs."},
	StateStopped:     {Code: "ST", Explanation: "A running job has been stopped with its cores retained."},
	StateTimeout:     {Code: "TO", Explanation: "The job has been terminated because it exceeded its time limit."},
	StateCancelled:   {Code: "CA", Explanation: "The job has been cancelled by the user."},
	StateNodeFail:    {Code: "NF", Explanation: "The job has been terminated because one or more nodes failed."},
	StateBootFail:    {Code: "BF", Explanation: "The job has been terminated because the node failed to boot."},
	StateOutOfMemory: {Code: "OOM", Explanation: "The job has been terminated because it exceeded its memory limit."},
	StateResvDelHold: {Code: "RD", Explanation: "The job has been held."},
	StateRequeueFed:  {Code: "RF", Explanation: "The job has been requeued by a federation."},
	StateRequeueHold: {Code: "RH", Explanation: "Held job is being requeued."},
	StateResizing:    {Code: "RS", Explanation: "The job is being resized."},
	StateRevoked:     {Code: "RV", Explanation: "Sibling was removed from cluster due to other cluster starting the job."},
	StateSignaling:   {Code: "SI", Explanation: "The job is being signaled."},
	StateSpecialExit: {Code: "SE", Explanation: "The job was requeued in a special state. This state can be set by users, typically in EpilogSlurmctld, if the job has terminated with a particular exit value."},
	StateStageOut:    {Code: "SO", Explanation: "The job is being staged out."},
	StateDeadline:    {Code: "DL", Explanation: "The job has been terminated because it exceeded its deadline."},
}

// TerminalStates are the states after which the scheduler will not run the
// job again. Records in one of these states are frozen in the registry and
// skipped by the poller.
var TerminalStates = map[State]struct{}{
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
	StateSuspended: {},
	StateNodeFail:  {},
	StateTimeout:   {},
	StateDeadline:  {},
}

// Known returns true when the state is in the SlurmStates catalog or is the
// UNKNOWN sentinel.
func (s State) Known() bool {
	if s == StateUnknown {
		return true
	}

	_, ok := SlurmStates[s]

	return ok
}

// Terminal returns true when the state is terminal.
func (s State) Terminal() bool {
	_, ok := TerminalStates[s]

	return ok
}

func (s State) String() string {
	return string(s)
}

// NormalizeState maps a raw scheduler state string onto the known state set,
// substituting StateUnknown for anything outside the catalog.
func NormalizeState(v string) State {
	if s := State(v); s.Known() {
		return s
	}

	return StateUnknown
}
