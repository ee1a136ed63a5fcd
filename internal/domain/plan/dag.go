package plan

// ReadyPhases returns the IDs of QUEUED phases whose dependencies are all COMPLETE.
// done maps phase IDs from earlier tiers to their status; phases in the slice are
// consulted too, so intra-tier dependencies work.
func ReadyPhases(phases []Phase, done map[string]PhaseStatus) []string {
	status := statusIndex(phases, done)

	var ready []string
	for i := range phases {
		if phases[i].Status != PhaseQueued {
			continue
		}
		allDepsComplete := true
		for _, dep := range phases[i].DependsOn {
			if status[dep] != PhaseComplete {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, phases[i].ID)
		}
	}
	return ready
}

// BlockingDependency returns the first dependency of p that can no longer complete
// in this run: a dependency that is FAILED, BLOCKED, or itself still QUEUED after
// scheduling has finished. ok is false when every dependency completed.
func BlockingDependency(p *Phase, status map[string]PhaseStatus) (dep string, st PhaseStatus, ok bool) {
	for _, d := range p.DependsOn {
		s := status[d]
		if s != PhaseComplete {
			return d, s, true
		}
	}
	return "", "", false
}

// AllComplete returns true if every phase reached COMPLETE.
func AllComplete(phases []Phase) bool {
	for i := range phases {
		if phases[i].Status != PhaseComplete {
			return false
		}
	}
	return true
}

// AnyFailed returns true if at least one phase has failed.
func AnyFailed(phases []Phase) bool {
	for i := range phases {
		if phases[i].Status == PhaseFailed {
			return true
		}
	}
	return false
}

// StatusIndex maps phase IDs to statuses across all given tiers.
func StatusIndex(tiers []Tier) map[string]PhaseStatus {
	out := make(map[string]PhaseStatus)
	for i := range tiers {
		for j := range tiers[i].Phases {
			out[tiers[i].Phases[j].ID] = tiers[i].Phases[j].Status
		}
	}
	return out
}

func statusIndex(phases []Phase, done map[string]PhaseStatus) map[string]PhaseStatus {
	out := make(map[string]PhaseStatus, len(phases)+len(done))
	for id, s := range done {
		out[id] = s
	}
	for i := range phases {
		out[phases[i].ID] = phases[i].Status
	}
	return out
}
