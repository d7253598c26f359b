package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

const metricsNamespace = "tegrastats"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()

	gauge := func(subsystem, name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, fn)
	}
	counter := func(subsystem, name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, fn)
	}

	collectors := []prometheus.Collector{
		gauge("ws", "active_connections", "Current number of admitted WebSocket clients.", func() float64 {
			return float64(s.admission.Count())
		}),
		gauge("ws", "max_connections", "Configured WebSocket client limit.", func() float64 {
			return float64(s.admission.Max())
		}),
		counter("ws", "connections_total", "Total WebSocket connections accepted since start.", func() float64 {
			return float64(s.wsTotal.Load())
		}),
		counter("ws", "rejected_total", "Total WebSocket connection attempts rejected due to capacity.", func() float64 {
			return float64(s.admission.Rejected())
		}),
		counter("ws", "messages_sent_total", "Total WebSocket messages written to clients.", func() float64 {
			return float64(s.wsSent.Load())
		}),
		counter("ws", "messages_dropped_total", "Total WebSocket control replies dropped due to backpressure.", func() float64 {
			return float64(s.wsDropped.Load())
		}),
		counter("broadcast", "ticks_total", "Total broadcast ticks.", func() float64 {
			return float64(s.hub.Stats().Ticks)
		}),
		counter("broadcast", "skipped_total", "Broadcast ticks skipped for lack of subscribers or data.", func() float64 {
			return float64(s.hub.Stats().Skipped)
		}),
		counter("broadcast", "deliveries_total", "Update frames queued to subscribers.", func() float64 {
			return float64(s.hub.Stats().Sent)
		}),
		counter("broadcast", "ejected_total", "Subscribers ejected for not keeping up.", func() float64 {
			return float64(s.hub.Stats().Ejected)
		}),
		gauge("sampler", "state", "Supervisor state (0 stopped, 1 starting, 2 running, 3 crashed).", func() float64 {
			return float64(s.sampler.State())
		}),
		counter("sampler", "restarts_total", "Subprocess restarts after a crash.", func() float64 {
			return float64(s.sampler.Stats().Restarts)
		}),
		counter("sampler", "spawn_failures_total", "Failed subprocess spawn attempts.", func() float64 {
			return float64(s.sampler.Stats().SpawnFailures)
		}),
		counter("sampler", "lines_total", "Lines read from tegrastats.", func() float64 {
			return float64(s.sampler.Stats().Lines)
		}),
		counter("sampler", "decoded_total", "Lines decoded into snapshots.", func() float64 {
			return float64(s.sampler.Stats().Decoded)
		}),
		counter("sampler", "skipped_total", "Lines rejected by the decoder.", func() float64 {
			return float64(s.sampler.Stats().Skipped)
		}),
		counter("sampler", "dropped_fields_total", "Field groups dropped from otherwise valid lines.", func() float64 {
			return float64(s.sampler.Stats().DroppedFields)
		}),
		newSnapshotCollector(s.sampler, s.now),
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

type snapshotSource interface {
	Latest() (tegrastats.Snapshot, bool)
}

// snapshotCollector exports the latest snapshot. Label sets depend on the
// board, so every metric is built at scrape time.
type snapshotCollector struct {
	source snapshotSource
	now    func() time.Time

	coreUsage    *prometheus.Desc
	coreFreq     *prometheus.Desc
	ramUsed      *prometheus.Desc
	ramTotal     *prometheus.Desc
	swapUsed     *prometheus.Desc
	swapTotal    *prometheus.Desc
	swapCached   *prometheus.Desc
	temperature  *prometheus.Desc
	powerCurrent *prometheus.Desc
	powerAverage *prometheus.Desc
	gr3dFreq     *prometheus.Desc
	captured     *prometheus.Desc
	age          *prometheus.Desc
}

func newSnapshotCollector(source snapshotSource, now func() time.Time) *snapshotCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, subsystem, name),
			help,
			labels,
			nil,
		)
	}

	return &snapshotCollector{
		source:       source,
		now:          now,
		coreUsage:    desc("cpu", "usage_percent", "CPU core utilisation.", "core"),
		coreFreq:     desc("cpu", "frequency_mhz", "CPU core frequency in MHz.", "core"),
		ramUsed:      desc("memory", "ram_used_megabytes", "RAM in use."),
		ramTotal:     desc("memory", "ram_total_megabytes", "Total RAM."),
		swapUsed:     desc("memory", "swap_used_megabytes", "Swap in use."),
		swapTotal:    desc("memory", "swap_total_megabytes", "Total swap."),
		swapCached:   desc("memory", "swap_cached_megabytes", "Cached swap."),
		temperature:  desc("thermal", "temperature_celsius", "Thermal zone temperature.", "sensor"),
		powerCurrent: desc("power", "current_milliwatts", "Instantaneous rail power.", "rail"),
		powerAverage: desc("power", "average_milliwatts", "Average rail power.", "rail"),
		gr3dFreq:     desc("gpu", "gr3d_freq_percent", "GR3D engine load."),
		captured:     desc("sample", "timestamp_seconds", "Unix time the latest snapshot was captured."),
		age:          desc("sample", "age_seconds", "Seconds since the latest snapshot was captured."),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.coreUsage, c.coreFreq,
		c.ramUsed, c.ramTotal,
		c.swapUsed, c.swapTotal, c.swapCached,
		c.temperature,
		c.powerCurrent, c.powerAverage,
		c.gr3dFreq,
		c.captured, c.age,
	} {
		ch <- desc
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap, ok := c.source.Latest()
	if !ok {
		return
	}

	gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	}

	for _, core := range snap.CPU.Cores {
		id := strconv.Itoa(core.ID)
		gauge(c.coreUsage, float64(core.Usage), id)
		gauge(c.coreFreq, float64(core.Freq), id)
	}

	gauge(c.ramUsed, float64(snap.Memory.RAM.Used))
	gauge(c.ramTotal, float64(snap.Memory.RAM.Total))
	if swap := snap.Memory.Swap; swap != nil {
		gauge(c.swapUsed, float64(swap.Used))
		gauge(c.swapTotal, float64(swap.Total))
		gauge(c.swapCached, float64(swap.Cached))
	}

	for sensor, value := range snap.Temperature {
		gauge(c.temperature, value, sensor)
	}
	for rail, reading := range snap.Power {
		gauge(c.powerCurrent, float64(reading.Current), rail)
		gauge(c.powerAverage, float64(reading.Average), rail)
	}

	if snap.GPU.GR3DFreq != nil {
		gauge(c.gr3dFreq, float64(*snap.GPU.GR3DFreq))
	}

	if !snap.CapturedAt.IsZero() {
		gauge(c.captured, float64(snap.CapturedAt.Unix()))
		age := c.now().Sub(snap.CapturedAt).Seconds()
		if age < 0 {
			age = 0
		}
		gauge(c.age, age)
	}
}
