package mailbox

import (
	"time"
)

// Phase is a step of the session state machine
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseInitialSyncing
	PhaseIdling
	PhaseReconciling
	PhaseErrorBackoff
)

var phaseNames = [...]string{
	PhaseDisconnected:   "disconnected",
	PhaseConnecting:     "connecting",
	PhaseInitialSyncing: "initial_syncing",
	PhaseIdling:         "idling",
	PhaseReconciling:    "reconciling",
	PhaseErrorBackoff:   "error_backoff",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// MarshalText renders the phase name in JSON
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Watermark is the highest UID handed to processing within one UIDVALIDITY epoch
type Watermark struct {
	UIDValidity uint32 `json:"uidValidity"`
	UID         uint32 `json:"uid"`
}

// SessionState is a snapshot of a session
type SessionState struct {
	Account             string    `json:"account"`
	Phase               Phase     `json:"phase"`
	Watermark           Watermark `json:"watermark"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastTransition      time.Time `json:"lastTransition"`
	Restarts            int       `json:"restarts"`
}
