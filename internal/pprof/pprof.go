// Package pprof renders captured call stacks as pprof profiles.
package pprof

import (
	"io"
	"sort"

	"github.com/VladMinzatu/yaca/internal/profiler"
	"github.com/google/pprof/profile"
)

func BuildPprofProfile(samples []profiler.Sample, sampleTypeName, sampleTypeUnit string, period int64) (*profile.Profile, error) {
	if len(samples) == 0 {
		p := &profile.Profile{}
		return p, nil
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleTypeName, Unit: sampleTypeUnit}},
		PeriodType: &profile.ValueType{Type: "wall", Unit: "nanoseconds"},
		Period:     period,
	}

	funcs := map[string]*profile.Function{}
	locMap := map[string]*profile.Location{}
	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	addFunction := func(name, alias string) *profile.Function {
		if f, ok := funcs[name]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         nextFuncID,
			Name:       name,
			SystemName: alias,
		}
		nextFuncID++
		funcs[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	// frames carry no addresses, so locations are keyed by method
	addLocationFor := func(key, alias string) *profile.Location {
		if loc, ok := locMap[key]; ok {
			return loc
		}
		fn := addFunction(key, alias)
		loc := &profile.Location{
			ID:   nextLocID,
			Line: []profile.Line{{Function: fn, Line: 0}},
		}
		nextLocID++
		locMap[key] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	start, end := samples[0].Timestamp, samples[0].Timestamp
	for _, s := range samples {
		if s.Timestamp.Before(start) {
			start = s.Timestamp
		}
		if s.Timestamp.After(end) {
			end = s.Timestamp
		}
		if len(s.Stack) == 0 {
			continue
		}
		// thread dumps are leaf first, same as pprof expects
		locs := make([]*profile.Location, 0, len(s.Stack))
		for _, site := range s.Stack {
			locs = append(locs, addLocationFor(site.MethodKey(), site.Alias()))
		}

		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(s.Count)},
			Location: locs,
			Label:    map[string][]string{},
			NumLabel: map[string][]int64{"pid": {int64(s.PID)}},
		})
	}

	p.TimeNanos = start.UnixNano()
	p.DurationNanos = end.Sub(start).Nanoseconds()

	// sort for deterministic output
	sort.Slice(p.Function, func(i, j int) bool { return p.Function[i].ID < p.Function[j].ID })
	sort.Slice(p.Location, func(i, j int) bool { return p.Location[i].ID < p.Location[j].ID })

	return p, nil
}

// WriteProfileGzip writes p in the gzipped wire format `go tool pprof` reads.
func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	return p.Write(w)
}
