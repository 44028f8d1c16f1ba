package prof

import "bytes"
import "testing"

import "github.com/google/pprof/profile"

type tsym_t struct {
	names map[uint64]string
}

func (s *tsym_t) Symbolize(pc uint64) (string, bool) {
	n, ok := s.names[pc]
	return n, ok
}

func TestCollect(t *testing.T) {
	p := Mkprof()
	if p.Enabled() {
		t.Fatalf("enabled at birth")
	}
	p.Start(10000)
	if !p.Enabled() {
		t.Fatalf("not enabled")
	}

	// two distinct stacks, one sampled twice
	p.Sample([]uint64{0x401000, 0x402000})
	p.Sample([]uint64{0x401000, 0x402000})
	p.Sample([]uint64{0x401008, 0x403000})
	p.Sample(nil)

	var buf bytes.Buffer
	sym := &tsym_t{names: map[uint64]string{
		0x401000: "schedule",
		0x402000: "idle",
	}}
	if err := p.Stop(&buf, sym); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.Enabled() {
		t.Fatalf("still enabled")
	}

	prof, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prof.Sample) != 2 {
		t.Fatalf("%d samples", len(prof.Sample))
	}
	if prof.Period != 10000 {
		t.Fatalf("period %d", prof.Period)
	}
	var total int64
	for _, s := range prof.Sample {
		total += s.Value[0]
		if s.Value[1] != s.Value[0]*10000 {
			t.Fatalf("cpu value %d for %d samples",
				s.Value[1], s.Value[0])
		}
	}
	if total != 3 {
		t.Fatalf("%d total samples", total)
	}
	// symbolized frames carry names
	found := false
	for _, f := range prof.Function {
		if f.Name == "schedule" {
			found = true
		}
	}
	if !found {
		t.Fatalf("symbol lost")
	}
}

func TestSampleWhileOff(t *testing.T) {
	p := Mkprof()
	p.Start(1000)
	var buf bytes.Buffer
	if err := p.Stop(&buf, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// samples after stop are dropped, not crashed on
	p.Sample([]uint64{0x1})

	p.Start(1000)
	p.Sample([]uint64{0x2})
	buf.Reset()
	if err := p.Stop(&buf, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	prof, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prof.Sample) != 1 {
		t.Fatalf("%d samples", len(prof.Sample))
	}
}

func TestEmptyProfile(t *testing.T) {
	p := Mkprof()
	p.Start(1000)
	var buf bytes.Buffer
	if err := p.Stop(&buf, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := profile.Parse(&buf); err != nil {
		t.Fatalf("parse empty: %v", err)
	}
}
