package txbus

// Verdict is the outcome relayed to the broker for a staged message.
type Verdict int

const (
	// VerdictUnknown asks the broker to check again later.
	VerdictUnknown Verdict = iota
	VerdictCommit
	VerdictRollback
)

func (v Verdict) String() string {
	switch v {
	case VerdictCommit:
		return "commit"
	case VerdictRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Final reports whether the broker can act on v.
func (v Verdict) Final() bool { return v == VerdictCommit || v == VerdictRollback }

// Result is the outcome of a local execution. A rollback carries its reason
// in Err; a commit never does.
type Result struct {
	Verdict Verdict
	Err     error
}

func Committed() Result { return Result{Verdict: VerdictCommit} }

func RolledBack(err error) Result { return Result{Verdict: VerdictRollback, Err: err} }

func (r Result) IsCommit() bool { return r.Verdict == VerdictCommit }
