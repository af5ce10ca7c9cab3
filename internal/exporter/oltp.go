package exporter

import (
	"github.com/VladMinzatu/yaca/internal/profiler"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	scopeName    = "yaca"
	scopeVersion = "v1"
)

type NowFunc func() uint64 // produces unix nsec

// dictionary interns strings, functions and locations so that every method
// appears once no matter how many stacks it is part of.
type dictionary struct {
	strings   []string
	stringIdx map[string]int32
	functions []*profilespb.Function
	locations []*profilespb.Location
	locIdx    map[string]int32
	stacks    []*profilespb.Stack
}

func newDictionary() *dictionary {
	return &dictionary{
		strings:   []string{""},
		stringIdx: map[string]int32{"": 0},
		functions: []*profilespb.Function{{}},
		locations: []*profilespb.Location{{}},
		locIdx:    map[string]int32{},
		stacks:    []*profilespb.Stack{{}},
	}
}

func (d *dictionary) str(s string) int32 {
	if i, ok := d.stringIdx[s]; ok {
		return i
	}
	d.strings = append(d.strings, s)
	i := int32(len(d.strings) - 1)
	d.stringIdx[s] = i
	return i
}

func (d *dictionary) location(name string) int32 {
	if i, ok := d.locIdx[name]; ok {
		return i
	}
	nameIdx := d.str(name)
	d.functions = append(d.functions, &profilespb.Function{
		NameStrindex:       nameIdx,
		SystemNameStrindex: nameIdx,
	})
	fnIdx := int32(len(d.functions) - 1)

	d.locations = append(d.locations, &profilespb.Location{
		MappingIndex: 0,
		Lines:        []*profilespb.Line{{FunctionIndex: fnIdx, Line: 0}},
	})
	i := int32(len(d.locations) - 1)
	d.locIdx[name] = i
	return i
}

// BuildOtlpProfile converts samples of one target into an OTLP profiles
// payload. Stacks keep the leaf-first order of the thread dump.
func BuildOtlpProfile(samples []profiler.Sample, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	dict := newDictionary()

	sampleType := &profilespb.ValueType{
		TypeStrindex: dict.str("samples"),
		UnitStrindex: dict.str("count"),
	}

	profileSamples := make([]*profilespb.Sample, 0, len(samples))
	var first, last int64
	for _, s := range samples {
		if len(s.Stack) == 0 {
			continue
		}
		locIndices := make([]int32, 0, len(s.Stack))
		for _, site := range s.Stack {
			locIndices = append(locIndices, dict.location(site.MethodKey()))
		}
		dict.stacks = append(dict.stacks, &profilespb.Stack{LocationIndices: locIndices})

		ts := s.Timestamp.UnixNano()
		if first == 0 || ts < first {
			first = ts
		}
		last = max(last, ts)

		profileSamples = append(profileSamples, &profilespb.Sample{
			StackIndex:         int32(len(dict.stacks) - 1),
			Values:             []int64{int64(s.Count)},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{uint64(ts)},
		})
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: uint64(last - first),
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resource := &resourceV1.Resource{}
	if len(samples) > 0 && samples[0].PID > 0 {
		resource.Attributes = []*v1.KeyValue{{
			Key:   "process.pid",
			Value: &v1.AnyValue{Value: &v1.AnyValue_IntValue{IntValue: int64(samples[0].PID)}},
		}}
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{{
			Resource: resource,
			ScopeProfiles: []*profilespb.ScopeProfiles{{
				Scope:    &v1.InstrumentationScope{Name: scopeName, Version: scopeVersion},
				Profiles: []*profilespb.Profile{profile},
			}},
		}},
		Dictionary: &profilespb.ProfilesDictionary{
			MappingTable:  []*profilespb.Mapping{{}},
			LocationTable: dict.locations,
			FunctionTable: dict.functions,
			StackTable:    dict.stacks,
			StringTable:   dict.strings,
		},
	}
}
