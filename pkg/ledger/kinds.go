package ledger

// EventKind is the type of a ledger entry.
type EventKind string

const (
	KindTransition          EventKind = "mutation_lifecycle_transition"
	KindRejected            EventKind = "mutation_lifecycle_rejected"
	KindEpochStart          EventKind = "epoch_start"
	KindEpochCheckpoint     EventKind = "epoch_checkpoint"
	KindEpochBundle         EventKind = "epoch_bundle"
	KindReplayVerification  EventKind = "replay_verification"
	KindConstitutionAmended EventKind = "constitutional_amendment"
	KindPolicyLifecycle     EventKind = "policy_lifecycle_transition"
	KindLifecycleHalt       EventKind = "lifecycle_halt"
	KindLifecycleResume     EventKind = "lifecycle_resume"
)

// IsLifecycle reports whether kind records a lifecycle transition attempt.
func (k EventKind) IsLifecycle() bool {
	return k == KindTransition || k == KindRejected
}

// IsBundle reports whether kind folds into its epoch's cumulative digest.
func (k EventKind) IsBundle() bool {
	return k.IsLifecycle() || k == KindEpochBundle
}
