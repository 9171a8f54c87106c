package telemetry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"platebridge-pod/internal/domain/pod"
)

const collectTimeout = 2 * time.Second

// sensor keys tried in order when picking the board temperature
var preferredSensors = []string{"cpu_thermal", "coretemp", "k10temp", "soc", "cpu"}

// probes are the host readers behind Collect, replaceable in tests.
type probes struct {
	cpuPercent    func(ctx context.Context) (float64, error)
	memoryPercent func(ctx context.Context) (float64, error)
	diskPercent   func(ctx context.Context, path string) (float64, error)
	uptime        func(ctx context.Context) (uint64, error)
	load1         func(ctx context.Context) (float64, error)
	temperatures  func(ctx context.Context) ([]sensors.TemperatureStat, error)
}

func hostProbes() probes {
	return probes{
		cpuPercent:    cpuPercent,
		memoryPercent: memoryPercent,
		diskPercent:   diskPercent,
		uptime:        host.UptimeWithContext,
		load1:         load1,
		temperatures:  sensors.TemperaturesWithContext,
	}
}

// cpuPercent reports utilisation since the previous call.
func cpuPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu sample")
	}
	return pct[0], nil
}

func memoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func diskPercent(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

func load1(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

// Collector samples host health for the heartbeat. Every probe is optional: a
// missing sensor or an unreadable counter just leaves the field at its zero value.
type Collector struct {
	diskPath string
	probes   probes
	log      zerolog.Logger
}

func NewCollector(diskPath string, log zerolog.Logger) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		diskPath: diskPath,
		probes:   hostProbes(),
		log:      log.With().Str("component", "telemetry").Logger(),
	}
}

func (c *Collector) Collect() pod.Telemetry {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	var t pod.Telemetry
	if v, err := c.probes.cpuPercent(ctx); err == nil {
		t.CPUPercent = round1(v)
	} else {
		c.log.Debug().Err(err).Msg("cpu sample unavailable")
	}
	if v, err := c.probes.memoryPercent(ctx); err == nil {
		t.MemoryPercent = round1(v)
	} else {
		c.log.Debug().Err(err).Msg("memory stats unavailable")
	}
	if v, err := c.probes.diskPercent(ctx, c.diskPath); err == nil {
		t.DiskPercent = round1(v)
	} else {
		c.log.Debug().Err(err).Str("path", c.diskPath).Msg("disk usage unavailable")
	}
	if v, err := c.probes.uptime(ctx); err == nil {
		t.UptimeSeconds = int64(v)
	}
	if v, err := c.probes.load1(ctx); err == nil {
		t.LoadAverage1m = round2(v)
	}
	if temp, ok := c.temperature(ctx); ok {
		t.TemperatureC = &temp
	}
	return t
}

func (c *Collector) temperature(ctx context.Context) (float64, bool) {
	// gopsutil returns partial readings together with a warnings error
	stats, err := c.probes.temperatures(ctx)
	if err != nil && len(stats) == 0 {
		c.log.Debug().Err(err).Msg("temperature unavailable")
		return 0, false
	}
	stat, ok := pickSensor(stats)
	if !ok {
		return 0, false
	}
	return round1(stat.Temperature), true
}

func pickSensor(stats []sensors.TemperatureStat) (sensors.TemperatureStat, bool) {
	for _, prefix := range preferredSensors {
		for _, s := range stats {
			if s.Temperature > 0 && strings.HasPrefix(strings.ToLower(s.SensorKey), prefix) {
				return s, true
			}
		}
	}
	for _, s := range stats {
		if s.Temperature > 0 {
			return s, true
		}
	}
	return sensors.TemperatureStat{}, false
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
