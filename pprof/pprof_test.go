package pprof

import (
	"bytes"
	"testing"

	gprofile "github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/rlaisqls/ebpf-monitoring/sd"
)

func testTarget(service string) *sd.Target {
	return sd.NewTargetForTesting("", 0, sd.DiscoveryTarget{
		"service_name": service,
	})
}

func TestAggregatedSamplesKeptSeparate(t *testing.T) {
	builders := NewProfileBuilders(BuildersOptions{SampleRate: 100})
	target := testTarget("svc")

	builders.AddSample(ProfileSample{
		Target:      target,
		Pid:         239,
		SampleType:  SampleTypeCpu,
		Aggregation: SampleAggregated,
		Stack:       []string{"a", "b", "main"},
		Value:       7,
	})

	require.Len(t, builders.Builders, 1)
	for _, b := range builders.Builders {
		require.Len(t, b.Profile.Sample, 1)
		require.Equal(t, int64(7)*b.Profile.Period, b.Profile.Sample[0].Value[0])
		require.Equal(t, int64(1e9/100), b.Profile.Period)
	}
}

func TestNotAggregatedSamplesMerged(t *testing.T) {
	builders := NewProfileBuilders(BuildersOptions{SampleRate: 100})
	target := testTarget("svc")

	for i := 0; i < 3; i++ {
		builders.AddSample(ProfileSample{
			Target:      target,
			Pid:         239,
			SampleType:  SampleTypeCpu,
			Aggregation: SampleNotAggregated,
			Stack:       []string{"a", "b", "main"},
			Value:       1,
		})
	}
	builders.AddSample(ProfileSample{
		Target:      target,
		Pid:         239,
		SampleType:  SampleTypeCpu,
		Aggregation: SampleNotAggregated,
		Stack:       []string{"c", "main"},
		Value:       1,
	})

	require.Len(t, builders.Builders, 1)
	for _, b := range builders.Builders {
		require.Len(t, b.Profile.Sample, 2)
		require.Equal(t, int64(3)*b.Profile.Period, b.Profile.Sample[0].Value[0])
		require.Equal(t, int64(1)*b.Profile.Period, b.Profile.Sample[1].Value[0])
		// shared frame dedups into one function entry
		require.Len(t, b.Profile.Function, 4)
		require.Len(t, b.Profile.Location, 4)
	}
}

func TestPerPIDProfileSplitsBuilders(t *testing.T) {
	builders := NewProfileBuilders(BuildersOptions{SampleRate: 100, PerPIDProfile: true})
	target := testTarget("svc")

	for _, pid := range []uint32{1, 2} {
		builders.AddSample(ProfileSample{
			Target:      target,
			Pid:         pid,
			SampleType:  SampleTypeCpu,
			Aggregation: SampleAggregated,
			Stack:       []string{"a", "main"},
			Value:       1,
		})
	}
	require.Len(t, builders.Builders, 2)
}

func TestWriteRoundTrip(t *testing.T) {
	builders := NewProfileBuilders(BuildersOptions{SampleRate: 97})
	builders.AddSample(ProfileSample{
		Target:      testTarget("svc"),
		Pid:         239,
		SampleType:  SampleTypeCpu,
		Aggregation: SampleAggregated,
		Stack:       []string{"leaf", "caller", "main"},
		Value:       5,
	})

	for _, b := range builders.Builders {
		buf := bytes.NewBuffer(nil)
		_, err := b.Write(buf)
		require.NoError(t, err)

		parsed, err := gprofile.Parse(buf)
		require.NoError(t, err)
		require.NoError(t, parsed.CheckValid())
		require.Len(t, parsed.Sample, 1)
		require.Equal(t, "cpu", parsed.SampleType[0].Type)
		require.Equal(t, "nanoseconds", parsed.SampleType[0].Unit)

		var names []string
		for _, loc := range parsed.Sample[0].Location {
			names = append(names, loc.Line[0].Function.Name)
		}
		require.Equal(t, []string{"leaf", "caller", "main"}, names)
	}
}
