package resources

import (
	"errors"
	"testing"
	"time"
)

type fakeSampler struct {
	cpuFrac, memFrac float64
	err              error
	calls            int
}

func (f *fakeSampler) Sample() (float64, float64, error) {
	f.calls++
	return f.cpuFrac, f.memFrac, f.err
}

func TestGateAdmitsBelowTargets(t *testing.T) {
	sampler := &fakeSampler{cpuFrac: 0.2, memFrac: 0.3}
	gate := NewGate(sampler, 0.8, 0.8)
	if !gate.Admit(time.Now()) {
		t.Fatal("expected admit when both fractions below target")
	}
}

func TestGateRejectsAboveTarget(t *testing.T) {
	sampler := &fakeSampler{cpuFrac: 0.95, memFrac: 0.2}
	gate := NewGate(sampler, 0.8, 0.8)
	if gate.Admit(time.Now()) {
		t.Fatal("expected reject when cpu fraction exceeds target")
	}
}

func TestGateFailsOpenOnSamplerError(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("boom")}
	gate := NewGate(sampler, 0.8, 0.8)
	if !gate.Admit(time.Now()) {
		t.Fatal("expected fail-open admit on sampler error")
	}
}

func TestGateCachesSampleWithinMinInterval(t *testing.T) {
	sampler := &fakeSampler{cpuFrac: 0.1, memFrac: 0.1}
	gate := NewGate(sampler, 0.8, 0.8)
	base := time.Now()

	gate.Admit(base)
	gate.Admit(base.Add(1 * time.Second))
	if sampler.calls != 1 {
		t.Fatalf("expected 1 sample call within the cache window, got %d", sampler.calls)
	}

	gate.Admit(base.Add(6 * time.Second))
	if sampler.calls != 2 {
		t.Fatalf("expected resample after MinInterval elapses, got %d calls", sampler.calls)
	}
}
