package events

import "time"

// Topics carried by the event bus. State transitions and log lines are
// separate streams; consumers must not assume an interleaving order across
// the two.
const (
	TopicState    = "manager.vm.state"
	TopicLogs     = "manager.vm.logs"
	TopicProgress = "manager.vm.progress"
	TopicErrors   = "manager.vm.errors"
)

// Kind names accepted by the subscribe API and mapped onto topics.
const (
	KindState    = "state"
	KindLog      = "log"
	KindProgress = "progress"
	KindError    = "error"
)

// TopicForKind resolves a subscription kind to its bus topic. Unknown kinds
// resolve to the empty string.
func TopicForKind(kind string) string {
	switch kind {
	case KindState:
		return TopicState
	case KindLog:
		return TopicLogs
	case KindProgress:
		return TopicProgress
	case KindError:
		return TopicErrors
	}
	return ""
}

// StateChange reports one lifecycle transition. ServiceReady tracks the
// in-guest Docker engine separately from the process itself; a VM can be
// running with the service not yet confirmed reachable.
type StateChange struct {
	State        string    `json:"state"`
	ServiceReady bool      `json:"service_ready"`
	Reason       string    `json:"reason,omitempty"`
	PID          *int64    `json:"pid,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Log carries one line of guest output read from the session log file.
type Log struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// DownloadProgress is forwarded verbatim from the installer while it fetches
// the boot image.
type DownloadProgress struct {
	Percent   float64   `json:"percent"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Error reports an abnormal lifecycle outcome (spawn failure, unexpected
// exit). Kind is one of the taxonomy labels below.
type Error struct {
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Error kinds.
const (
	ErrKindPrecondition   = "precondition"
	ErrKindAllocation     = "allocation"
	ErrKindSpawn          = "spawn"
	ErrKindUnexpectedExit = "unexpected_exit"
	ErrKindInstall        = "install"
)
