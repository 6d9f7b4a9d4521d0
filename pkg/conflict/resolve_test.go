package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/origin"
)

var (
	originA = origin.Origin{SysID: 100, Timeline: 1, DBOID: 16384}
	originB = origin.Origin{SysID: 200, Timeline: 1, DBOID: 16384}
)

func newTestResolver() *Resolver {
	return NewResolver(logging.NewNopLogger(), metrics.NewRegistry())
}

func baseConflict(t Type) *Conflict {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Conflict{
		Type:             t,
		Relation:         16385,
		Op:               OpUpdate,
		RemoteOrigin:     originB,
		RemoteTxID:       900,
		RemoteCommitTime: now,
		RemoteTuple:      &TupleData{Values: map[string]any{"id": 1, "v": "remote"}},
		LocalOrigin:      originA,
		LocalCommitTime:  now.Add(-time.Minute),
		LocalTuple:       &TupleData{Values: map[string]any{"id": 1, "v": "local"}},
	}
}

func TestDefaultLastUpdateWinsRemoteNewer(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)

	outcome, rec, err := r.Resolve(c, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !outcome.Apply {
		t.Error("newer remote change should win")
	}
	if rec.Resolution != ResolutionDefaultApplyChange {
		t.Errorf("resolution = %v, want default_apply_change", rec.Resolution)
	}
}

func TestDefaultLastUpdateWinsLocalNewer(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)
	c.LocalCommitTime = c.RemoteCommitTime.Add(time.Second)

	outcome, rec, err := r.Resolve(c, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Apply {
		t.Error("newer local change should win")
	}
	if rec.Resolution != ResolutionDefaultSkipChange {
		t.Errorf("resolution = %v, want default_skip_change", rec.Resolution)
	}
}

func TestDefaultTieBreakByOrigin(t *testing.T) {
	r := newTestResolver()

	// Exact timestamp tie: the change from the origin that sorts first
	// ascending wins, on every node.
	c := baseConflict(TypeUpdateUpdate)
	c.LocalCommitTime = c.RemoteCommitTime

	// Remote origin B (200) sorts after local origin A (100): local wins
	outcome, rec, err := r.Resolve(c, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Apply {
		t.Error("tie should go to the origin that sorts first")
	}
	if rec.Resolution != ResolutionDefaultSkipChange {
		t.Errorf("resolution = %v", rec.Resolution)
	}

	// Swap identities: remote now sorts first and must win
	c.RemoteOrigin, c.LocalOrigin = originA, originB
	outcome, rec, err = r.Resolve(c, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !outcome.Apply {
		t.Error("tie should go to the origin that sorts first")
	}
	if rec.Resolution != ResolutionDefaultApplyChange {
		t.Errorf("resolution = %v", rec.Resolution)
	}
}

func TestDefaultResolutionDeterministic(t *testing.T) {
	r := newTestResolver()

	// Same inputs must yield the same resolution on every invocation
	for i := 0; i < 10; i++ {
		c := baseConflict(TypeInsertInsert)
		c.LocalCommitTime = c.RemoteCommitTime

		outcome, rec, err := r.Resolve(c, nil)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if outcome.Apply {
			t.Fatal("resolution flipped between invocations")
		}
		if rec.Resolution != ResolutionDefaultSkipChange {
			t.Fatalf("resolution flipped: %v", rec.Resolution)
		}
	}
}

func TestUpdateDeleteDefaultsToSkip(t *testing.T) {
	r := newTestResolver()

	// Scenario: node A updated a row that node B already deleted. The
	// update arrives at B, the target is absent, and the default policy
	// keeps it absent.
	c := baseConflict(TypeUpdateDelete)
	c.LocalTuple = nil
	c.LocalOrigin = origin.Zero
	c.LocalCommitTime = time.Time{}
	// Remote change is newer than anything local; it must still skip
	c.RemoteCommitTime = time.Now()

	outcome, rec, err := r.Resolve(c, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Apply {
		t.Error("update of a deleted row must be skipped")
	}
	if rec.Type != TypeUpdateDelete {
		t.Errorf("record type = %v", rec.Type)
	}
	if rec.Resolution != ResolutionDefaultSkipChange {
		t.Errorf("record resolution = %v, want default_skip_change", rec.Resolution)
	}
}

func TestDeleteDeleteDefaultsToSkip(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeDeleteDelete)
	c.LocalTuple = nil

	outcome, rec, err := r.Resolve(c, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Apply {
		t.Error("double delete must skip")
	}
	if rec.Resolution != ResolutionDefaultSkipChange {
		t.Errorf("resolution = %v", rec.Resolution)
	}
}

func TestUnhandledTxAbortEscalates(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUnhandledTxAbort)

	_, rec, err := r.Resolve(c, nil)
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	if rec == nil {
		t.Fatal("unresolved conflicts must still produce a record")
	}
	if rec.Resolution != ResolutionUnhandledTxAbort {
		t.Errorf("resolution = %v", rec.Resolution)
	}
	if rec.ApplyError == "" {
		t.Error("record must carry the error detail")
	}
}

func TestHandlerReturnedTuple(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)

	merged := &TupleData{Values: map[string]any{"id": 1, "v": "merged"}}
	h := &UserDefinedHandler{
		HandlerName:  "merge_v",
		ConflictType: TypeUpdateUpdate,
		Fn: func(local, remote *TupleData) (*TupleData, bool, error) {
			return merged, false, nil
		},
	}

	outcome, rec, err := r.Resolve(c, []Handler{h})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !outcome.Apply || outcome.Tuple != merged {
		t.Error("handler tuple not applied")
	}
	if rec.Resolution != ResolutionTriggerReturnedTuple {
		t.Errorf("resolution = %v", rec.Resolution)
	}
}

func TestHandlerSkip(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)

	h := &UserDefinedHandler{
		HandlerName:  "keep_local",
		ConflictType: TypeUpdateUpdate,
		Fn: func(local, remote *TupleData) (*TupleData, bool, error) {
			return nil, true, nil
		},
	}

	outcome, rec, err := r.Resolve(c, []Handler{h})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Apply {
		t.Error("handler skip ignored")
	}
	if rec.Resolution != ResolutionTriggerSkipChange {
		t.Errorf("resolution = %v", rec.Resolution)
	}
}

func TestHandlerDeclinedFallsThrough(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)

	declined := &UserDefinedHandler{
		HandlerName:  "undecided",
		ConflictType: TypeUpdateUpdate,
		Fn: func(local, remote *TupleData) (*TupleData, bool, error) {
			return nil, false, nil
		},
	}

	// Remote is newer: falls through to default apply
	outcome, rec, err := r.Resolve(c, []Handler{declined})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !outcome.Apply {
		t.Error("declined handler should fall through to default policy")
	}
	if rec.Resolution != ResolutionDefaultApplyChange {
		t.Errorf("resolution = %v", rec.Resolution)
	}
}

func TestHandlerErrorAborts(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)

	h := &UserDefinedHandler{
		HandlerName:  "broken",
		ConflictType: TypeUpdateUpdate,
		Fn: func(local, remote *TupleData) (*TupleData, bool, error) {
			return nil, false, errors.New("boom")
		},
	}

	_, rec, err := r.Resolve(c, []Handler{h})
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if rec.Resolution != ResolutionUnhandledTxAbort {
		t.Errorf("resolution = %v", rec.Resolution)
	}
}

func TestHandlerPrecedence(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)
	// Local row committed 1 minute before the remote change

	var fired []string
	mk := func(name string, window time.Duration) Handler {
		return &UserDefinedHandler{
			HandlerName:  name,
			ConflictType: TypeUpdateUpdate,
			Window:       window,
			Fn: func(local, remote *TupleData) (*TupleData, bool, error) {
				fired = append(fired, name)
				return nil, true, nil
			},
		}
	}

	// Registration order: broad, unbounded, narrow. The narrow window
	// that still covers the one-minute gap must win; the unbounded one
	// goes last.
	handlers := []Handler{
		mk("broad", time.Hour),
		mk("unbounded", 0),
		mk("narrow", 2*time.Minute),
		mk("too_narrow", time.Second), // does not cover the gap
	}

	_, _, err := r.Resolve(c, handlers)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(fired) != 1 || fired[0] != "narrow" {
		t.Errorf("fired = %v, want [narrow]", fired)
	}
}

func TestHandlerPrecedenceTieByRegistration(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)

	var fired []string
	mk := func(name string) Handler {
		return &UserDefinedHandler{
			HandlerName:  name,
			ConflictType: TypeUpdateUpdate,
			Window:       time.Hour,
			Fn: func(local, remote *TupleData) (*TupleData, bool, error) {
				fired = append(fired, name)
				return nil, true, nil
			},
		}
	}

	_, _, err := r.Resolve(c, []Handler{mk("first"), mk("second")})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(fired) != 1 || fired[0] != "first" {
		t.Errorf("fired = %v, want [first]", fired)
	}
}

func TestHandlerTypeMismatchIgnored(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeInsertInsert)

	h := &AlwaysSkipHandler{ConflictType: TypeUpdateUpdate}

	// Handler registered for a different type: default policy decides,
	// and remote is newer so it applies.
	outcome, _, err := r.Resolve(c, []Handler{h})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !outcome.Apply {
		t.Error("mismatched handler should not fire")
	}
}

func TestLastUpdateWinsHandler(t *testing.T) {
	r := newTestResolver()
	c := baseConflict(TypeUpdateUpdate)

	h := &LastUpdateWinsHandler{ConflictType: TypeUpdateUpdate}

	outcome, rec, err := r.Resolve(c, []Handler{h})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !outcome.Apply {
		t.Error("newer remote should win under explicit LUW handler")
	}
	if rec.Resolution != ResolutionLastUpdateWinsKeepRemote {
		t.Errorf("resolution = %v", rec.Resolution)
	}

	c.LocalCommitTime = c.RemoteCommitTime.Add(time.Hour)
	outcome, rec, err = r.Resolve(c, []Handler{h})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if outcome.Apply {
		t.Error("newer local should win under explicit LUW handler")
	}
	if rec.Resolution != ResolutionLastUpdateWinsKeepLocal {
		t.Errorf("resolution = %v", rec.Resolution)
	}
}

func TestEveryResolutionEmitsRecord(t *testing.T) {
	r := newTestResolver()

	for _, typ := range []Type{
		TypeInsertInsert, TypeInsertUpdate, TypeUpdateUpdate,
		TypeUpdateDelete, TypeDeleteDelete, TypeUnhandledTxAbort,
	} {
		c := baseConflict(typ)
		_, rec, _ := r.Resolve(c, nil)
		if rec == nil {
			t.Errorf("no record emitted for %v", typ)
			continue
		}
		if rec.ID == "" {
			t.Errorf("record for %v has no id", typ)
		}
		if rec.Type != typ {
			t.Errorf("record type %v does not match conflict %v", rec.Type, typ)
		}
	}
}
