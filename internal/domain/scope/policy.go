package scope

import "github.com/Strob0t/autopack/internal/domain/patch"

// Policy is the scope a phase runs under.
//
// Baseline is the set of files that existed within scope when the phase started
// (plus files the phase created itself); only those may be deleted.
// Exemptions are exact paths a governance approval granted beyond Allowed.
// ProtectedExemptions lift the protected-path denial and are only ever set by
// an explicit human approval.
type Policy struct {
	Allowed             []string
	Protected           []string
	Baseline            map[string]bool
	Exemptions          map[string]bool
	ProtectedExemptions map[string]bool
}

// Decide evaluates one operation. exists reports whether a workspace path is
// currently present on disk. Renames are checked as a delete of the source and
// a create of the destination; the first denial is returned.
func (p *Policy) Decide(op patch.Operation, exists func(string) bool) Decision {
	if op.Type == patch.OpRename {
		src := p.decide(op.OldPath, patch.OpDelete, exists)
		if !src.Allowed {
			src.Op = patch.OpRename
			return src
		}
		dst := p.decide(op.Path, patch.OpCreate, exists)
		dst.Op = patch.OpRename
		if dst.Allowed {
			dst.Effective = patch.OpRename
		}
		return dst
	}
	return p.decide(op.Path, op.Type, exists)
}

// DecideAll evaluates every operation before any is applied.
func (p *Policy) DecideAll(ops []patch.Operation, exists func(string) bool) (decisions []Decision, denied []Decision) {
	decisions = make([]Decision, 0, len(ops))
	for i := range ops {
		d := p.Decide(ops[i], exists)
		decisions = append(decisions, d)
		if !d.Allowed {
			denied = append(denied, d)
		}
	}
	return decisions, denied
}

func (p *Policy) decide(path string, op patch.OpType, exists func(string) bool) Decision {
	d := IsAllowed(path, op, p.Allowed, p.Protected)
	if d.Reason == ReasonInvalidPath {
		return d
	}

	switch {
	case d.Reason == ReasonProtectedPath && p.ProtectedExemptions[d.Path]:
		d.Allowed, d.Reason, d.MatchedRule = true, ReasonAllowed, "protected-exemption:"+d.Path
	case d.Reason == ReasonOutsideScope && p.Exemptions[d.Path]:
		d.Allowed, d.Reason, d.MatchedRule = true, ReasonAllowed, "exemption:"+d.Path
	}

	onDisk := exists != nil && exists(d.Path)
	switch op {
	case patch.OpCreate:
		if !onDisk {
			return d
		}
		if d.Allowed {
			d.Effective = patch.OpModify
			return d
		}
		if d.Reason == ReasonOutsideScope {
			d.Reason = ReasonCreateConflictsExisting
		}
	case patch.OpDelete:
		if d.Allowed && !p.Baseline[d.Path] {
			d.Allowed = false
			d.Reason = ReasonDeleteOfUntouchedFile
			d.MatchedRule = ""
		}
	}
	return d
}
