package fleet

import (
	"reflect"
	"testing"
	"time"
)

func TestMembershipSnapshotIsSortedCopy(t *testing.T) {
	t.Parallel()
	m := newMembership()
	m.add(handles("n3", "n1", "n2")...)
	m.add(handles("n1")...)
	now := time.Unix(1273000000, 0)
	m.touch(now)

	got, at := m.Snapshot()
	if want := handles("n1", "n2", "n3"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
	if !at.Equal(now) {
		t.Fatalf("updated at %v, want %v", at, now)
	}

	got[0] = "mutated:v9"
	if !m.Contains(handles("n1")[0]) {
		t.Fatalf("snapshot aliases the membership")
	}
}

func TestMembershipRemove(t *testing.T) {
	t.Parallel()
	m := newMembership()
	m.add(handles("n1", "n2")...)
	m.remove(handles("n2", "n9")...)

	if m.Len() != 1 || !m.Contains(handles("n1")[0]) || m.Contains(handles("n2")[0]) {
		t.Fatalf("unexpected membership after remove")
	}
}
