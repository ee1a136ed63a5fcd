package messagequeue

// RunStatusPayload is the schema for autopack.run.status messages.
type RunStatusPayload struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// PhaseStatusPayload is the schema for autopack.phase.status messages.
type PhaseStatusPayload struct {
	RunID   string `json:"run_id"`
	TierID  string `json:"tier_id"`
	PhaseID string `json:"phase_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// AttemptPayload is the schema for autopack.attempt messages.
type AttemptPayload struct {
	RunID         string `json:"run_id"`
	PhaseID       string `json:"phase_id"`
	AttemptIndex  int    `json:"attempt_index"`
	ActionTaken   string `json:"action_taken"`
	TokensUsed    int64  `json:"tokens_used"`
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`
	Model         string `json:"model,omitempty"`
}

// GovernanceRequestPayload is the schema for autopack.governance.request messages.
type GovernanceRequestPayload struct {
	RequestID string   `json:"request_id"`
	RunID     string   `json:"run_id"`
	PhaseID   string   `json:"phase_id"`
	Paths     []string `json:"paths"`
	Reason    string   `json:"reason"`
}

// GovernanceDecisionPayload is the schema for autopack.governance.decision messages.
type GovernanceDecisionPayload struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
	Resolver  string `json:"resolver"`
	Note      string `json:"note,omitempty"`
}

// RunCancelPayload is the schema for autopack.run.cancel messages.
type RunCancelPayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}
