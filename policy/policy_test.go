package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Rule evaluation by (Rule, Context) pair
// -----------------------------------------------------------------------------

func TestRuleEvaluate_VariantTable(t *testing.T) {
	entryCalls, exitCalls := 0, 0
	entry := EntryFunc(func(Parameters) (Verdict, error) {
		entryCalls++
		return Violated, nil
	})
	exit := ExitFunc(func(uintptr) (Verdict, error) {
		exitCalls++
		return Violated, nil
	})
	storingEntry := EntryStorageFunc(func(Parameters, *Storage) (Verdict, error) {
		entryCalls++
		return Violated, nil
	})
	storingExit := ExitStorageFunc(func(uintptr, *Storage) (Verdict, error) {
		exitCalls++
		return Violated, nil
	})

	testCases := []struct {
		name      string
		rule      Rule
		ctx       Context
		want      Verdict
		wantEntry int
		wantExit  int
	}{
		{"on_entry_with_entry", OnEntry(entry), EntryContext([]uintptr{1}), Violated, 1, 0},
		{"on_entry_with_exit", OnEntry(entry), ExitContext(0), Respected, 0, 0},
		{"on_exit_with_entry", OnExit(exit), EntryContext(nil), Respected, 0, 0},
		{"on_exit_with_exit", OnExit(exit), ExitContext(7), Violated, 0, 1},
		{"both_with_entry", OnEntryAndExit(storingEntry, storingExit), EntryContext(nil), Violated, 1, 0},
		{"both_with_exit", OnEntryAndExit(storingEntry, storingExit), ExitContext(0), Violated, 0, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			entryCalls, exitCalls = 0, 0
			got, err := tc.rule.Evaluate(tc.ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.wantEntry, entryCalls, "entry predicate calls")
			assert.Equal(t, tc.wantExit, exitCalls, "exit predicate calls")
		})
	}
}

func TestRuleEvaluate_StorageContinuity(t *testing.T) {
	const magic = uintptr(0xDEADBEEF)
	var observed []uintptr
	rule := OnEntryAndExit(
		EntryStorageFunc(func(_ Parameters, s *Storage) (Verdict, error) {
			s.Store(magic)
			return Respected, nil
		}),
		ExitStorageFunc(func(_ uintptr, s *Storage) (Verdict, error) {
			v, err := s.MustLoad()
			if err != nil {
				return Respected, err
			}
			observed = append(observed, v)
			if v != magic {
				return Violated, nil
			}
			return Respected, nil
		}),
	)

	for i := 0; i < 2; i++ {
		v, err := rule.Evaluate(EntryContext(nil))
		require.NoError(t, err)
		require.Equal(t, Respected, v)
		v, err = rule.Evaluate(ExitContext(0))
		require.NoError(t, err)
		require.Equal(t, Respected, v)
	}
	assert.Equal(t, []uintptr{magic, magic}, observed)
}

func TestRuleEvaluateWith_InterleavedCallsKeepTheirOwnStorage(t *testing.T) {
	rule := OnEntryAndExit(
		EntryStorageFunc(func(p Parameters, s *Storage) (Verdict, error) {
			v, err := p.At(0)
			s.Store(v)
			return Respected, err
		}),
		ExitStorageFunc(func(ret uintptr, s *Storage) (Verdict, error) {
			v, err := s.MustLoad()
			if err != nil || v != ret {
				return Violated, err
			}
			return Respected, nil
		}),
	)

	var first, second Storage
	_, err := rule.EvaluateWith(EntryContext([]uintptr{0xA}), &first)
	require.NoError(t, err)
	_, err = rule.EvaluateWith(EntryContext([]uintptr{0xB}), &second)
	require.NoError(t, err)

	v, err := rule.EvaluateWith(ExitContext(0xA), &first)
	require.NoError(t, err)
	assert.Equal(t, Respected, v, "first call still sees its own entry")
	v, err = rule.EvaluateWith(ExitContext(0xB), &second)
	require.NoError(t, err)
	assert.Equal(t, Respected, v)

	_, ok := rule.Storage().Load()
	assert.False(t, ok, "the rule's own slot is untouched")
}

func TestRuleEvaluate_ExitWithoutEntryIsStorageEmpty(t *testing.T) {
	w := NewWaitStatusFailure(1)
	rule := OnEntryAndExit(w, w)

	_, err := rule.Evaluate(ExitContext(0))
	require.Error(t, err)
	assert.True(t, IsKind(err, StorageEmpty), "got %v", err)
}

func TestRuleValidate(t *testing.T) {
	assert.Error(t, Rule{}.Validate(), "zero rule has no variant")
	assert.Error(t, OnEntry(nil).Validate())
	assert.Error(t, OnExit(nil).Validate())
	assert.Error(t, OnEntryAndExit(nil, nil).Validate())
	assert.Error(t, Rule{kind: RuleOnEntryAndExit, storingEntry: NewWaitStatusFailure(0), storingExit: NewWaitStatusFailure(0)}.Validate(),
		"storing rule built without OnEntryAndExit has no storage")
	assert.NoError(t, OnEntry(BlockAlways{}).Validate())
}

func TestRuleString_TagOnly(t *testing.T) {
	assert.Equal(t, "OnEntry", OnEntry(BlockAlways{}).String())
	assert.Equal(t, "OnExit", OnExit(ChildExitFailure{}).String())
	w := NewWaitStatusFailure(0)
	assert.Equal(t, "OnEntryAndExit", OnEntryAndExit(w, w).String())
}

// -----------------------------------------------------------------------------
// FuzzPolicy
// -----------------------------------------------------------------------------

func TestFuzzPolicyClone_FreshStorage(t *testing.T) {
	w := NewWaitStatusFailure(0)
	orig := FuzzPolicy{NewFunctionPolicy("wait4", "libc", OnEntryAndExit(w, w), 4, "wait", false)}
	orig[0].Rule.Storage().Store(42)

	clone := orig.Clone()
	require.Len(t, clone, 1)
	_, ok := clone[0].Rule.Storage().Load()
	assert.False(t, ok, "clone must start with empty storage")

	v, ok := orig[0].Rule.Storage().Load()
	assert.True(t, ok)
	assert.Equal(t, uintptr(42), v, "original storage is untouched")

	orig.Reset()
	_, ok = orig[0].Rule.Storage().Load()
	assert.False(t, ok, "Reset empties storage")
}

func TestFuzzPolicyValidate(t *testing.T) {
	assert.NoError(t, BlockFileOpen("").Validate())

	bad := FuzzPolicy{NewFunctionPolicy("", "libc", OnEntry(BlockAlways{}), 1, "nameless", false)}
	assert.Error(t, bad.Validate())

	bad = FuzzPolicy{NewFunctionPolicy("open", "libc", Rule{}, 1, "no rule", false)}
	assert.Error(t, bad.Validate())
}

// -----------------------------------------------------------------------------
// Context and violation message
// -----------------------------------------------------------------------------

func TestParametersAt_OutOfRange(t *testing.T) {
	params := Parameters{1, 2}
	v, err := params.At(1)
	require.NoError(t, err)
	assert.Equal(t, uintptr(2), v)

	_, err = params.At(2)
	require.Error(t, err)
	assert.True(t, IsKind(err, ParameterCountMismatch))

	var ruleErr *RuleError
	require.True(t, errors.As(err, &ruleErr))
	assert.Contains(t, ruleErr.Error(), "parameter 2")
}

func TestContextString(t *testing.T) {
	assert.Equal(t, "EntryContext([1, 2, 3])", EntryContext([]uintptr{1, 2, 3}).String())
	assert.Equal(t, "EntryContext([])", EntryContext(nil).String())
	assert.Equal(t, "ExitContext(255)", ExitContext(255).String())
}

func TestViolationMessage(t *testing.T) {
	fp := NewFunctionPolicy("os.OpenFile", "", OnEntry(BlockAlways{}), 2, "Access to files is denied", true)

	msg := NewViolation(&fp, EntryContext([]uintptr{10, 3}), nil).Error()
	assert.Equal(t,
		"Policy was broken at function [os.OpenFile]\n"+
			"Description: Access to files is denied\n"+
			"Rule: OnEntry\n"+
			"Context: EntryContext([10, 3])",
		msg)

	cause := &RuleError{Kind: StringConversion, Message: "bad"}
	v := NewViolation(&fp, ExitContext(0), cause)
	assert.Contains(t, v.Error(), "Error: string_conversion: bad")
	assert.True(t, errors.Is(v, cause))
}
