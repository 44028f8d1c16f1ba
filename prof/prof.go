// Package prof collects sampled kernel stacks and emits them in pprof
// format so the usual tooling can read scheduler and interrupt
// profiles.
package prof

import "fmt"
import "io"
import "sync"

import "github.com/google/pprof/profile"

// Prof_t accumulates samples between Start and Stop.
type Prof_t struct {
	mu sync.Mutex
	on bool
	// sample period in nanoseconds
	period  int64
	stacks  map[string][]uint64
	counts  map[string]int64
	dropped int64
}

// Mkprof returns an idle profiler.
func Mkprof() *Prof_t {
	return &Prof_t{}
}

// Start begins collection; period is the nanoseconds each sample
// represents.
func (p *Prof_t) Start(period int64) {
	p.mu.Lock()
	p.on = true
	p.period = period
	p.stacks = make(map[string][]uint64)
	p.counts = make(map[string]int64)
	p.dropped = 0
	p.mu.Unlock()
}

// Enabled reports whether samples are being taken.
func (p *Prof_t) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// Sample records one stack, innermost PC first. Safe to call from the
// timer tick path.
func (p *Prof_t) Sample(pcs []uint64) {
	if len(pcs) == 0 {
		return
	}
	key := stackkey(pcs)
	p.mu.Lock()
	if !p.on {
		p.dropped++
		p.mu.Unlock()
		return
	}
	if _, ok := p.stacks[key]; !ok {
		c := make([]uint64, len(pcs))
		copy(c, pcs)
		p.stacks[key] = c
	}
	p.counts[key]++
	p.mu.Unlock()
}

func stackkey(pcs []uint64) string {
	var sb []byte
	for _, pc := range pcs {
		sb = append(sb, byte(pc), byte(pc>>8), byte(pc>>16),
			byte(pc>>24), byte(pc>>32), byte(pc>>40),
			byte(pc>>48), byte(pc>>56))
	}
	return string(sb)
}

// Symbolizer_i maps a PC to a name; nil leaves frames unsymbolized.
type Symbolizer_i interface {
	Symbolize(pc uint64) (string, bool)
}

// Stop ends collection and writes the gzipped protobuf profile to w.
func (p *Prof_t) Stop(w io.Writer, sym Symbolizer_i) error {
	p.mu.Lock()
	p.on = false
	stacks := p.stacks
	counts := p.counts
	period := p.period
	p.stacks = nil
	p.counts = nil
	p.mu.Unlock()

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     period,
	}
	locs := make(map[uint64]*profile.Location)
	funcs := make(map[string]*profile.Function)
	getloc := func(pc uint64) *profile.Location {
		if l, ok := locs[pc]; ok {
			return l
		}
		l := &profile.Location{
			ID:      uint64(len(locs) + 1),
			Address: pc,
		}
		if sym != nil {
			if name, ok := sym.Symbolize(pc); ok {
				f, ok := funcs[name]
				if !ok {
					f = &profile.Function{
						ID:         uint64(len(funcs) + 1),
						Name:       name,
						SystemName: name,
					}
					funcs[name] = f
					prof.Function = append(prof.Function, f)
				}
				l.Line = []profile.Line{{Function: f}}
			}
		}
		locs[pc] = l
		prof.Location = append(prof.Location, l)
		return l
	}
	for key, pcs := range stacks {
		n := counts[key]
		s := &profile.Sample{
			Value: []int64{n, n * period},
		}
		for _, pc := range pcs {
			s.Location = append(s.Location, getloc(pc))
		}
		prof.Sample = append(prof.Sample, s)
	}
	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("profile invalid: %w", err)
	}
	return prof.Write(w)
}
