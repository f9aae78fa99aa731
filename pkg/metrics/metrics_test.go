package metrics

import (
	"errors"
	"testing"
)

type captureRecorder struct {
	noopRecorder
	storeOps []storeOp
}

type storeOp struct {
	store   string
	op      string
	success bool
}

func (c *captureRecorder) IncStoreOp(store, op string, success bool) {
	c.storeOps = append(c.storeOps, storeOp{store, op, success})
}

func TestRecordStoreOp(t *testing.T) {
	rec := &captureRecorder{}
	SetRecorder(rec)
	t.Cleanup(func() { SetRecorder(noopRecorder{}) })

	RecordStoreOp("postgres-graph", "upsert_entities", nil)
	RecordStoreOp("postgres-vector", "upsert", errors.New("connection reset"))

	want := []storeOp{
		{"postgres-graph", "upsert_entities", true},
		{"postgres-vector", "upsert", false},
	}
	if len(rec.storeOps) != len(want) {
		t.Fatalf("recorded %v, want %v", rec.storeOps, want)
	}
	for i := range want {
		if rec.storeOps[i] != want[i] {
			t.Errorf("op %d = %v, want %v", i, rec.storeOps[i], want[i])
		}
	}
}
