package dispatch

// State is a step of one dispatch attempt.
type State int

const (
	StateStart State = iota
	StateLocked
	StateRateChecked
	StateJobFound
	StateJobAbsent
	StateDispatched
	StateRegistered
	StateRetried
	StateUnlocked
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateStart:       "start",
	StateLocked:      "locked",
	StateRateChecked: "rate_checked",
	StateJobFound:    "job_found",
	StateJobAbsent:   "job_absent",
	StateDispatched:  "dispatched",
	StateRegistered:  "registered",
	StateRetried:     "retried",
	StateUnlocked:    "unlocked",
	StateDone:        "done",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Path names how a record reached the remote.
type Path string

const (
	// PathSync is a synchronous per-record call.
	PathSync Path = "sync"
	// PathJobCreated opened a new bulk job.
	PathJobCreated Path = "job_created"
	// PathJobAppended added to a registered bulk job.
	PathJobAppended Path = "job_appended"
	// PathJobRecreated opened a new bulk job after the registered one was
	// rejected as stale.
	PathJobRecreated Path = "job_recreated"
)
