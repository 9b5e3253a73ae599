package pprof

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/rlaisqls/ebpf-monitoring/sd"
)

type SampleType uint32

const SampleTypeCpu = SampleType(0)

type SampleAggregation bool

const (
	// SampleAggregated means the kernel already accumulated the counts for
	// this stack, so identical stacks never repeat within one round.
	SampleAggregated = SampleAggregation(true)
	// SampleNotAggregated means every event arrives with value=1 and
	// identical stacks must be merged here.
	SampleNotAggregated = SampleAggregation(false)
)

type CollectProfilesCallback func(sample ProfileSample)

type SamplesCollector interface {
	CollectProfiles(callback CollectProfilesCallback) error
}

// ProfileSample is one resolved stack with its observed count. Stack is
// leaf-first after the process comm root is prepended by the collector.
type ProfileSample struct {
	Target      *sd.Target
	Pid         uint32
	SampleType  SampleType
	Aggregation SampleAggregation
	Stack       []string
	Value       uint64
}

// Collect drains one round of samples from the collector into builders.
func Collect(builders *ProfileBuilders, collector SamplesCollector) error {
	return collector.CollectProfiles(func(sample ProfileSample) {
		builders.AddSample(sample)
	})
}

type BuildersOptions struct {
	SampleRate    int64
	PerPIDProfile bool
}

type builderHashKey struct {
	labelsHash uint64
	pid        uint32
	sampleType SampleType
}

// ProfileBuilders groups samples into one pprof profile per target label set
// (and optionally per pid).
type ProfileBuilders struct {
	Builders map[builderHashKey]*ProfileBuilder
	opt      BuildersOptions
}

func NewProfileBuilders(options BuildersOptions) *ProfileBuilders {
	return &ProfileBuilders{Builders: make(map[builderHashKey]*ProfileBuilder), opt: options}
}

func (b *ProfileBuilders) AddSample(sample ProfileSample) {
	bb := b.BuilderForSample(sample)
	if sample.Aggregation == SampleAggregated {
		bb.CreateSample(sample.Stack, sample.Value)
	} else {
		bb.CreateSampleOrAddValue(sample.Stack, sample.Value)
	}
}

func (b *ProfileBuilders) BuilderForSample(sample ProfileSample) *ProfileBuilder {
	labelsHash, ls := sample.Target.Labels()

	k := builderHashKey{labelsHash: labelsHash, sampleType: sample.SampleType}
	if b.opt.PerPIDProfile {
		k.pid = sample.Pid
	}
	if res, ok := b.Builders[k]; ok {
		return res
	}

	period := time.Second.Nanoseconds() / b.opt.SampleRate
	builder := &ProfileBuilder{
		locations:          make(map[string]*profile.Location),
		functions:          make(map[string]*profile.Function),
		sampleHashToSample: make(map[uint64]*profile.Sample),
		Labels:             ls,
		Profile: &profile.Profile{
			Mapping: []*profile.Mapping{{ID: 1}},
			SampleType: []*profile.ValueType{
				{Type: "cpu", Unit: "nanoseconds"},
			},
			Period:     period,
			PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
			TimeNanos:  time.Now().UnixNano(),
		},
		tmpLocationIDs: make([]byte, 0, 128*8),
		tmpLocations:   make([]*profile.Location, 0, 128),
	}
	b.Builders[k] = builder
	return builder
}

type ProfileBuilder struct {
	locations          map[string]*profile.Location
	functions          map[string]*profile.Function
	sampleHashToSample map[uint64]*profile.Sample
	Profile            *profile.Profile
	Labels             labels.Labels

	tmpLocations   []*profile.Location
	tmpLocationIDs []byte
}

func (p *ProfileBuilder) CreateSample(stacktrace []string, value uint64) {
	sample := &profile.Sample{
		Value: []int64{int64(value) * p.Profile.Period},
	}
	for _, s := range stacktrace {
		loc := p.addLocation(s)
		sample.Location = append(sample.Location, loc)
	}
	p.Profile.Sample = append(p.Profile.Sample, sample)
}

func (p *ProfileBuilder) CreateSampleOrAddValue(stacktrace []string, value uint64) {
	scaledValue := int64(value) * p.Profile.Period
	p.tmpLocations = p.tmpLocations[:0]
	p.tmpLocationIDs = p.tmpLocationIDs[:0]
	for _, s := range stacktrace {
		loc := p.addLocation(s)
		p.tmpLocations = append(p.tmpLocations, loc)
		p.tmpLocationIDs = binary.LittleEndian.AppendUint64(p.tmpLocationIDs, loc.ID)
	}
	h := xxhash.Sum64(p.tmpLocationIDs)
	sample := p.sampleHashToSample[h]
	if sample != nil {
		sample.Value[0] += scaledValue
		return
	}
	sample = &profile.Sample{
		Location: make([]*profile.Location, len(p.tmpLocations)),
		Value:    []int64{scaledValue},
	}
	copy(sample.Location, p.tmpLocations)
	p.sampleHashToSample[h] = sample
	p.Profile.Sample = append(p.Profile.Sample, sample)
}

func (p *ProfileBuilder) addLocation(function string) *profile.Location {
	loc, ok := p.locations[function]
	if ok {
		return loc
	}

	id := uint64(len(p.Profile.Location) + 1)
	loc = &profile.Location{
		ID:      id,
		Mapping: p.Profile.Mapping[0],
		Line: []profile.Line{
			{
				Function: p.addFunction(function),
			},
		},
	}
	p.locations[function] = loc
	p.Profile.Location = append(p.Profile.Location, loc)
	return loc
}

func (p *ProfileBuilder) addFunction(function string) *profile.Function {
	f, ok := p.functions[function]
	if ok {
		return f
	}

	id := uint64(len(p.Profile.Function) + 1)
	f = &profile.Function{
		ID:   id,
		Name: function,
	}
	p.functions[function] = f
	p.Profile.Function = append(p.Profile.Function, f)
	return f
}

func (p *ProfileBuilder) Write(dst io.Writer) (int64, error) {
	gzipWriter := gzip.NewWriter(dst)
	err := p.Profile.WriteUncompressed(gzipWriter)
	if err != nil {
		_ = gzipWriter.Close()
		return 0, err
	}
	if err = gzipWriter.Close(); err != nil {
		return 0, err
	}
	return 0, nil
}
