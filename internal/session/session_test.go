package session

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bitpool/stratumcore/internal/job"
)

type fakeSession struct {
	id      string
	notices int
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) SendMiningNotify(*job.ExtendedJob) error {
	f.notices++
	return nil
}

func TestRegistryAddRemoveSnapshot(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Count())

	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Count())

	ids := sessionIDs(r.Snapshot())
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b"}, ids)

	r.Remove("a")
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"b"}, sessionIDs(r.Snapshot()))
}

func TestRegistryAddOverwritesSameID(t *testing.T) {
	r := NewRegistry()
	first := &fakeSession{id: "dup"}
	second := &fakeSession{id: "dup"}
	r.Add(first)
	r.Add(second)

	assert.Equal(t, 1, r.Count())
	snap := r.Snapshot()
	assert.Same(t, second, snap[0].(*fakeSession))
}

func sessionIDs(sessions []Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID()
	}
	return out
}
