package conflict

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestClassifyMatrix(t *testing.T) {
	tests := []struct {
		name          string
		localExists   bool
		originDiffers bool
		op            ChangeOp
		want          Type
	}{
		{"insert over existing row", true, true, OpInsert, TypeInsertInsert},
		{"insert over own row", true, false, OpInsert, TypeInsertInsert},
		{"failed insert with no row", false, false, OpInsert, TypeUnhandledTxAbort},
		{"update of missing row", false, false, OpUpdate, TypeUpdateDelete},
		{"update of foreign row", true, true, OpUpdate, TypeUpdateUpdate},
		{"update of own row", true, false, OpUpdate, TypeInsertUpdate},
		{"delete of missing row", false, false, OpDelete, TypeDeleteDelete},
		{"delete of foreign row", true, true, OpDelete, TypeUpdateDelete},
		{"delete of own row", true, false, OpDelete, TypeDeleteDelete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.localExists, tt.originDiffers, tt.op)
			if got != tt.want {
				t.Errorf("Classify(%v, %v, %v) = %v, want %v",
					tt.localExists, tt.originDiffers, tt.op, got, tt.want)
			}
		})
	}
}

// TestClassifyTotal verifies that every input combination maps to exactly
// one of the six defined conflict types.
func TestClassifyTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("classify is total over its inputs", prop.ForAll(
		func(localExists, originDiffers bool, opRaw int8) bool {
			op := ChangeOp(int(opRaw) % 3)
			if op < 0 {
				op = -op
			}
			got := Classify(localExists, originDiffers, op)
			return got >= TypeInsertInsert && got <= TypeUnhandledTxAbort
		},
		gen.Bool(),
		gen.Bool(),
		gen.Int8(),
	))

	properties.Property("classify is deterministic", prop.ForAll(
		func(localExists, originDiffers bool) bool {
			for _, op := range []ChangeOp{OpInsert, OpUpdate, OpDelete} {
				if Classify(localExists, originDiffers, op) != Classify(localExists, originDiffers, op) {
					return false
				}
			}
			return true
		},
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestTypeStrings(t *testing.T) {
	all := []Type{
		TypeInsertInsert, TypeInsertUpdate, TypeUpdateUpdate,
		TypeUpdateDelete, TypeDeleteDelete, TypeUnhandledTxAbort,
	}
	seen := make(map[string]bool)
	for _, typ := range all {
		s := typ.String()
		if s == "unknown" {
			t.Errorf("type %d has no string", typ)
		}
		if seen[s] {
			t.Errorf("duplicate string %q", s)
		}
		seen[s] = true
	}
}
