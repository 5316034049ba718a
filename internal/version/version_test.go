package version

import "testing"

func TestStringAndGetAgree(t *testing.T) {
	info := Get()
	if info.Version != Version || info.Commit != Commit || info.Date != Date {
		t.Fatalf("Get()=%+v, want package values", info)
	}
	want := Version + " (" + Commit + ", " + Date + ")"
	if got := String(); got != want {
		t.Fatalf("String()=%q, want %q", got, want)
	}
}
