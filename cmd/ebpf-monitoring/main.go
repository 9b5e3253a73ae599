//go:build linux

// Command ebpf-monitoring profiles every process on the host and pushes the
// resulting pprof profiles to a pyroscope-compatible ingest endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	commonconfig "github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/model/relabel"

	pushv1 "github.com/grafana/pyroscope/api/gen/proto/go/push/v1"
	"github.com/grafana/pyroscope/api/gen/proto/go/push/v1/pushv1connect"
	typesv1 "github.com/grafana/pyroscope/api/gen/proto/go/types/v1"

	ebpfspy "github.com/rlaisqls/ebpf-monitoring"
	ebpfmetrics "github.com/rlaisqls/ebpf-monitoring/metrics"
	"github.com/rlaisqls/ebpf-monitoring/pprof"
	"github.com/rlaisqls/ebpf-monitoring/sd"
	"github.com/rlaisqls/ebpf-monitoring/symtab"
)

var configFile = flag.String("config", "", "config file path")
var server = flag.String("server", "http://localhost:4040", "ingest server url")
var discoverFreq = flag.Duration("discover.freq", 5*time.Second, "process discovery frequency")
var collectFreq = flag.Duration("collect.freq", 15*time.Second, "profile collection frequency")

var (
	config  *Config
	logger  log.Logger
	session ebpfspy.Session
)

type splitLog struct {
	err  log.Logger
	rest log.Logger
}

func (s splitLog) Log(keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		return s.err.Log(keyvals...)
	}
	for i := 0; i < len(keyvals); i += 2 {
		if keyvals[i] == "level" {
			vv := keyvals[i+1]
			vvs, ok := vv.(fmt.Stringer)
			if ok && vvs.String() == "error" {
				return s.err.Log(keyvals...)
			}
		}
	}
	return s.rest.Log(keyvals...)
}

func main() {
	config = getConfig()

	logger = &splitLog{
		err:  log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
		rest: log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout)),
	}

	targetFinder, err := sd.NewTargetFinder(os.DirFS("/"), logger, convertTargetOptions())
	if err != nil {
		panic(fmt.Errorf("ebpf target finder create: %w", err))
	}
	session, err = ebpfspy.NewSession(
		logger,
		targetFinder,
		config.SessionOptions,
	)
	if err != nil {
		panic(err)
	}
	if err = session.Start(); err != nil {
		panic(err)
	}
	defer session.Stop()

	profiles := make(chan *pushv1.PushRequest, 128)

	var g run.Group
	{
		done := make(chan struct{})
		g.Add(func() error {
			discoverTicker := time.NewTicker(*discoverFreq)
			collectTicker := time.NewTicker(*collectFreq)
			defer discoverTicker.Stop()
			defer collectTicker.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-discoverTicker.C:
					session.UpdateTargets(convertTargetOptions())
				case <-collectTicker.C:
					if err := collectProfiles(profiles); err != nil {
						return err
					}
				}
			}
		}, func(error) {
			close(done)
		})
	}
	{
		done := make(chan struct{})
		g.Add(func() error {
			ingest(profiles, done)
			return nil
		}, func(error) {
			close(done)
		})
	}
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			_ = level.Info(logger).Log("msg", "shutting down", "signal", sig.Signal)
			return
		}
		_ = level.Error(logger).Log("msg", "run group exited", "err", err)
		os.Exit(1)
	}
}

func collectProfiles(profiles chan *pushv1.PushRequest) error {
	builders := pprof.NewProfileBuilders(pprof.BuildersOptions{
		SampleRate:    int64(config.SessionOptions.SampleRate),
		PerPIDProfile: true,
	})
	err := pprof.Collect(builders, session)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "collect profiles done", "profiles", len(builders.Builders))

	for _, builder := range builders.Builders {
		protoLabels := make([]*typesv1.LabelPair, 0, builder.Labels.Len())
		for _, label := range builder.Labels {
			protoLabels = append(protoLabels, &typesv1.LabelPair{
				Name: label.Name, Value: label.Value,
			})
		}

		buf := bytes.NewBuffer(nil)
		if _, err := builder.Write(buf); err != nil {
			return err
		}
		req := &pushv1.PushRequest{Series: []*pushv1.RawProfileSeries{{
			Labels: protoLabels,
			Samples: []*pushv1.RawSample{{
				RawProfile: buf.Bytes(),
			}},
		}}}
		select {
		case profiles <- req:
		default:
			_ = level.Error(logger).Log("err", "dropping profile", "target", builder.Labels.String())
		}
	}
	return nil
}

// ingest pushes profiles until done is closed. Push errors are logged and
// retried with the next profile rather than stopping the pipeline.
func ingest(profiles chan *pushv1.PushRequest, done chan struct{}) {
	httpClient, err := commonconfig.NewClientFromConfig(commonconfig.DefaultHTTPClientConfig, "ebpf_monitoring")
	if err != nil {
		panic(err)
	}
	client := pushv1connect.NewPusherServiceClient(httpClient, *server)

	for {
		select {
		case <-done:
			return
		case it := <-profiles:
			_, err := client.Push(context.TODO(), connect.NewRequest(it))
			if err != nil {
				_ = level.Error(logger).Log("msg", "push failed", "err", err)
			}
		}
	}
}

func convertTargetOptions() sd.TargetsOptions {
	targets := relabelProcessTargets(getProcessTargets(), config.RelabelConfig)
	o := config.TargetsOptions
	o.Targets = targets
	return o
}

func getConfig() *Config {
	flag.Parse()

	var config = new(Config)
	*config = defaultConfig
	if *configFile == "" {
		return config
	}
	configBytes, err := os.ReadFile(*configFile)
	if err != nil {
		panic(err)
	}
	err = json.Unmarshal(configBytes, config)
	if err != nil {
		panic(err)
	}
	return config
}

var defaultConfig = Config{
	TargetsOptions: sd.TargetsOptions{
		Targets:            nil,
		TargetsOnly:        true,
		DefaultTarget:      nil,
		ContainerCacheSize: 1024,
	},
	RelabelConfig: nil,
	SessionOptions: ebpfspy.SessionOptions{
		CollectUser:               true,
		CollectKernel:             true,
		UnknownSymbolModuleOffset: true,
		UnknownSymbolAddress:      true,
		CacheOptions: symtab.CacheOptions{
			PidCacheOptions: symtab.GCacheOptions{
				Size:       239,
				KeepRounds: 8,
			},
			BuildIDCacheOptions: symtab.GCacheOptions{
				Size:       239,
				KeepRounds: 8,
			},
			SameFileCacheOptions: symtab.GCacheOptions{
				Size:       239,
				KeepRounds: 8,
			},
		},
		SymbolOptions: symtab.SymbolOptions{
			DemangleOptions: symtab.DemangleFull,
		},
		Metrics:         ebpfmetrics.New(prometheus.DefaultRegisterer),
		SampleRate:      97,
		VerifierLogSize: 1024 * 1024,
		BPFObjectPath:   "/usr/lib/ebpf-monitoring/profile.bpf.o",
		BPFMapsOptions: ebpfspy.BPFMapsOptions{
			PIDMapSize: 2048,
		},
	},
}

type Config struct {
	TargetsOptions sd.TargetsOptions
	RelabelConfig  []*RelabelConfig
	SessionOptions ebpfspy.SessionOptions
}

type RelabelConfig struct {
	SourceLabels []string

	Separator string

	Regex string

	TargetLabel string `yaml:"target_label,omitempty"`

	Replacement string `yaml:"replacement,omitempty"`

	Action string
}

func getProcessTargets() []sd.DiscoveryTarget {
	dir, err := os.ReadDir("/proc")
	if err != nil {
		panic(err)
	}
	var res []sd.DiscoveryTarget
	for _, entry := range dir {
		if !entry.IsDir() {
			continue
		}
		spid := entry.Name()
		pid, err := strconv.ParseUint(spid, 10, 32)
		if err != nil {
			continue
		}
		if pid == 0 {
			continue
		}
		cwd, err := os.Readlink(fmt.Sprintf("/proc/%s/cwd", spid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(logger).Log("err", err, "msg", "reading cwd", "pid", spid)
			}
			continue
		}
		cwd = strings.TrimSpace(cwd)

		exe, err := os.Readlink(fmt.Sprintf("/proc/%s/exe", spid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(logger).Log("err", err, "msg", "reading exe", "pid", spid)
			}
			continue
		}
		comm, err := os.ReadFile(fmt.Sprintf("/proc/%s/comm", spid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(logger).Log("err", err, "msg", "reading comm", "pid", spid)
			}
		}
		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%s/cmdline", spid))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				_ = level.Error(logger).Log("err", err, "msg", "reading cmdline", "pid", spid)
			}
		} else {
			cmdline = bytes.ReplaceAll(cmdline, []byte{0}, []byte(" "))
		}
		target := sd.DiscoveryTarget{
			"__process_pid__": spid,
			"cwd":             cwd,
			"comm":            strings.TrimSpace(string(comm)),
			"pid":             spid,
			"exe":             exe,
			"service_name":    fmt.Sprintf("%s @ %s", cmdline, cwd),
		}
		res = append(res, target)
	}
	return res
}

func relabelProcessTargets(targets []sd.DiscoveryTarget, cfg []*RelabelConfig) []sd.DiscoveryTarget {
	var promConfig []*relabel.Config
	for _, c := range cfg {
		var srcLabels model.LabelNames
		for _, label := range c.SourceLabels {
			srcLabels = append(srcLabels, model.LabelName(label))
		}
		promConfig = append(promConfig, &relabel.Config{
			SourceLabels: srcLabels,
			Separator:    c.Separator,
			Regex:        relabel.MustNewRegexp(c.Regex),
			TargetLabel:  c.TargetLabel,
			Replacement:  c.Replacement,
			Action:       relabel.Action(c.Action),
		})
	}
	var res []sd.DiscoveryTarget
	for _, target := range targets {
		lbls := labels.FromMap(target)
		lbls, keep := relabel.Process(lbls, promConfig...)
		if !keep {
			continue
		}
		res = append(res, sd.DiscoveryTarget(lbls.Map()))
	}
	return res
}
