package dhterrors

import (
	"fmt"
	"testing"
)

func TestCodeForWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, OK},
		{fmt.Errorf("get %s: %w", "deadbeef", ErrNoData), NoData},
		{fmt.Errorf("put: %w", ErrOldData), OldData},
		{fmt.Errorf("put: %w", ErrAlreadyExists), AlreadyExists},
		{fmt.Errorf("update_path: %w", ErrMDNoFreeSpace), MDNoFreeSpace},
		{fmt.Errorf("random failure"), ErrorCode},
	}
	for _, c := range cases {
		if got := CodeFor(c.err); got != c.want {
			t.Errorf("CodeFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestCodeStringKnown(t *testing.T) {
	if NoData.String() != "NO_DATA" {
		t.Fatalf("unexpected string for NoData: %s", NoData.String())
	}
	if Code(9999).String() != "ERROR" {
		t.Fatal("unknown code should render as ERROR")
	}
}
