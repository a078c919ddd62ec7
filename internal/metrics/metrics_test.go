package metrics

import "testing"

func TestRegistryGatherIncludesObservations(t *testing.T) {
	m := New()
	m.ObserveMixerFrame("out-0")
	m.ObserveMixerStarvation("in-1")
	m.ObserveReplicatorForward("segment_end")
	m.ObserveCommandDuration("do", "ok", 0.01)
	m.SetCommandsInFlight(1)

	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one metric family")
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var m *Registry
	m.ObserveMixerFrame("out-0")
	m.ObserveMixerStarvation("in-1")
	m.ObserveReplicatorForward("segment_end")
	m.ObserveCommandDuration("do", "ok", 0.01)
	m.SetCommandsInFlight(1)
	if g := m.Gatherer(); g == nil {
		t.Fatalf("expected non-nil gatherer even for nil registry")
	}
}
