package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateKnownSubjects(t *testing.T) {
	tests := []struct {
		subject string
		data    string
	}{
		{SubjectRunStatus, `{"run_id":"r1","status":"EXECUTING"}`},
		{SubjectPhaseStatus, `{"run_id":"r1","tier_id":"t1","phase_id":"p1","status":"FAILED","reason":"pytest failed"}`},
		{SubjectAttempt, `{"run_id":"r1","phase_id":"p1","attempt_index":2,"action_taken":"RETRY_SAME_MODEL","tokens_used":1200,"success":false,"failure_reason":"ci_failure","model":"fast"}`},
		{SubjectGovernanceRequest, `{"request_id":"g1","run_id":"r1","phase_id":"p1","paths":["lib/a.py"],"reason":"outside_scope"}`},
		{SubjectGovernanceDecision, `{"request_id":"g1","approve":true,"resolver":"ops"}`},
		{SubjectRunCancel, `{"run_id":"r1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			if err := Validate(tt.subject, []byte(tt.data)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	data := []byte(`{"foo":"bar"}`)
	if err := Validate("unknown.subject", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(SubjectAttempt, []byte(`{not valid json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateInvalidSchema(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an object", `"just a string"`},
		{"wrong field type", `{"request_id":"g1","approve":"yes"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(SubjectGovernanceDecision, []byte(tt.data))
			if err == nil {
				t.Fatal("expected schema validation error")
			}
			if !strings.Contains(err.Error(), "schema validation failed") {
				t.Fatalf("expected 'schema validation failed' in error, got: %v", err)
			}
		})
	}
}

func TestValidateEmptyJSON(t *testing.T) {
	if err := Validate(SubjectPhaseStatus, []byte(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
