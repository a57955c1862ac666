package bridge

import "time"

// StillWorking tells the external counterparty that no reply is ready yet
// and how much activity the other side has shown since the last message.
type StillWorking struct {
	StillWorking bool               `json:"stillWorking"`
	FollowUp     string             `json:"followUp"`
	Status       StillWorkingStatus `json:"status"`
}

// StillWorkingStatus is the progress block inside a StillWorking value.
type StillWorkingStatus struct {
	Message        string    `json:"message"`
	ActionCount    int       `json:"actionCount"`
	LastActionAt   time.Time `json:"lastActionAt,omitempty"`
	LastActionType string    `json:"lastActionType,omitempty"`
}

// NewStillWorking builds the poll response from counterparty stats.
func NewStillWorking(stats Stats) *StillWorking {
	message := "The agent has not taken any visible action yet."
	if stats.ActionCount > 0 {
		message = "The agent is actively working on a reply."
	}
	return &StillWorking{
		StillWorking: true,
		FollowUp:     "Call wait_for_reply to check for the reply.",
		Status: StillWorkingStatus{
			Message:        message,
			ActionCount:    stats.ActionCount,
			LastActionAt:   stats.LastActionAt,
			LastActionType: stats.LastActionType,
		},
	}
}
