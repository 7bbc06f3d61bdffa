package policy

import (
	"errors"
	"sync"
)

// EntryPredicate checks the parameters of a call before the function body
// runs.
type EntryPredicate interface {
	CheckEntry(params Parameters) (Verdict, error)
}

// ExitPredicate checks the return word of a call after the function body
// ran.
type ExitPredicate interface {
	CheckExit(ret uintptr) (Verdict, error)
}

// StoringEntryPredicate is the entry half of an OnEntryAndExit rule. It may
// stash one word in storage for the exit half.
type StoringEntryPredicate interface {
	CheckEntryStore(params Parameters, storage *Storage) (Verdict, error)
}

// StoringExitPredicate is the exit half of an OnEntryAndExit rule.
type StoringExitPredicate interface {
	CheckExitLoad(ret uintptr, storage *Storage) (Verdict, error)
}

// Storage is the single word an OnEntryAndExit rule carries from entry to
// exit. It stays set until the next entry overwrites it or the rule is
// reset.
type Storage struct {
	mu  sync.Mutex
	val uintptr
	set bool
}

// Store replaces the stored word.
func (s *Storage) Store(v uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val, s.set = v, true
}

// Load returns the stored word and whether one was stored.
func (s *Storage) Load() (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.set
}

// MustLoad is Load for exit predicates that require a value.
func (s *Storage) MustLoad() (uintptr, error) {
	v, ok := s.Load()
	if !ok {
		return 0, newRuleError(StorageEmpty, "exit predicate found no value stored at entry")
	}
	return v, nil
}

// Reset empties the storage.
func (s *Storage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val, s.set = 0, false
}

// RuleKind is the variant tag of a Rule.
type RuleKind int

const (
	ruleInvalid RuleKind = iota
	RuleOnEntry
	RuleOnExit
	RuleOnEntryAndExit
)

func (k RuleKind) String() string {
	switch k {
	case RuleOnEntry:
		return "OnEntry"
	case RuleOnExit:
		return "OnExit"
	case RuleOnEntryAndExit:
		return "OnEntryAndExit"
	default:
		return "Invalid"
	}
}

// Rule says when a function's policy is checked and with which predicates.
// The zero Rule is invalid.
type Rule struct {
	kind         RuleKind
	entry        EntryPredicate
	exit         ExitPredicate
	storingEntry StoringEntryPredicate
	storingExit  StoringExitPredicate
	slot         *ruleSlot
}

// ruleSlot is the shared storage of a storing rule. eval serializes single
// evaluations only: entry/exit pairs of concurrent calls still interleave
// on it, which is why the runtime passes per-call storage to EvaluateWith.
type ruleSlot struct {
	eval    sync.Mutex
	storage Storage
}

// OnEntry checks p before the function body.
func OnEntry(p EntryPredicate) Rule {
	return Rule{kind: RuleOnEntry, entry: p}
}

// OnExit checks p after the function body.
func OnExit(p ExitPredicate) Rule {
	return Rule{kind: RuleOnExit, exit: p}
}

// OnEntryAndExit checks entry before and exit after the function body, with
// a storage slot shared between the two.
func OnEntryAndExit(entry StoringEntryPredicate, exit StoringExitPredicate) Rule {
	return Rule{kind: RuleOnEntryAndExit, storingEntry: entry, storingExit: exit, slot: &ruleSlot{}}
}

// Kind returns the variant tag.
func (r Rule) Kind() RuleKind { return r.kind }

// String prints the variant tag only; predicates are opaque.
func (r Rule) String() string { return r.kind.String() }

// Storage returns the slot of an OnEntryAndExit rule, nil otherwise.
func (r Rule) Storage() *Storage {
	if r.slot == nil {
		return nil
	}
	return &r.slot.storage
}

// Predicates returns the predicates the rule was built from, in entry, exit
// order. Absent halves are nil.
func (r Rule) Predicates() (entry, exit any) {
	switch r.kind {
	case RuleOnEntry:
		return r.entry, nil
	case RuleOnExit:
		return nil, r.exit
	case RuleOnEntryAndExit:
		return r.storingEntry, r.storingExit
	}
	return nil, nil
}

// Validate reports a rule that cannot be evaluated.
func (r Rule) Validate() error {
	switch r.kind {
	case RuleOnEntry:
		if r.entry == nil {
			return errors.New("OnEntry rule without entry predicate")
		}
	case RuleOnExit:
		if r.exit == nil {
			return errors.New("OnExit rule without exit predicate")
		}
	case RuleOnEntryAndExit:
		if r.storingEntry == nil || r.storingExit == nil {
			return errors.New("OnEntryAndExit rule missing a predicate")
		}
		if r.slot == nil {
			return errors.New("OnEntryAndExit rule without initialized storage")
		}
	default:
		return errors.New("rule has no variant")
	}
	return nil
}

// Evaluate runs the predicate matching the context against the rule's own
// storage. A rule without a predicate for that side of the call is
// respected.
func (r Rule) Evaluate(ctx Context) (Verdict, error) {
	return r.EvaluateWith(ctx, nil)
}

// EvaluateWith is Evaluate with the storage of a storing rule supplied by
// the caller, one per call. A nil storage falls back to the rule's own.
func (r Rule) EvaluateWith(ctx Context, storage *Storage) (Verdict, error) {
	switch r.kind {
	case RuleOnEntry:
		if ctx.IsExit() {
			return Respected, nil
		}
		return r.entry.CheckEntry(ctx.Parameters())
	case RuleOnExit:
		if ctx.IsEntry() {
			return Respected, nil
		}
		return r.exit.CheckExit(ctx.ReturnValue())
	case RuleOnEntryAndExit:
		if storage != nil {
			if ctx.IsEntry() {
				return r.storingEntry.CheckEntryStore(ctx.Parameters(), storage)
			}
			return r.storingExit.CheckExitLoad(ctx.ReturnValue(), storage)
		}
		if r.slot == nil {
			return Respected, newRuleError(StorageEmpty, "OnEntryAndExit rule without initialized storage")
		}
		r.slot.eval.Lock()
		defer r.slot.eval.Unlock()
		if ctx.IsEntry() {
			return r.storingEntry.CheckEntryStore(ctx.Parameters(), &r.slot.storage)
		}
		return r.storingExit.CheckExitLoad(ctx.ReturnValue(), &r.slot.storage)
	}
	return Respected, newRuleError(EvaluationFailure, "rule has no variant")
}

// Reset empties the storage of a storing rule.
func (r Rule) Reset() {
	if r.slot != nil {
		r.slot.storage.Reset()
	}
}

// clone returns a rule with the same predicates and fresh, empty storage.
func (r Rule) clone() Rule {
	c := r
	if r.slot != nil {
		c.slot = &ruleSlot{}
	}
	return c
}
