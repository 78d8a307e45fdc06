package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures the collectors.
type Options struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// Metrics holds the gateway's prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	Detections      *prometheus.CounterVec
	Grants          *prometheus.CounterVec
	Denials         *prometheus.CounterVec
	AdapterDuration *prometheus.HistogramVec

	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// register returns the already registered collector when c was registered
// before, so building Metrics twice against one registry is fine.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return c, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, nil
}

func New(opts Options) (*Metrics, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = "bottlegate"
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{}
	var err error

	if m.Detections, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "detections_total",
		Help:      "Sensor polls partitioned by result (detected, empty, error).",
	}, []string{"result"})); err != nil {
		return nil, err
	}

	if m.Grants, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "grants_total",
		Help:      "Grant requests partitioned by result (granted, repeat, denied, failed).",
	}, []string{"result"})); err != nil {
		return nil, err
	}

	if m.Denials, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "denials_total",
		Help:      "Denied or failed requests partitioned by reason code.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}

	if m.AdapterDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "adapter_duration_seconds",
		Help:      "Latency of external program calls partitioned by adapter, action and outcome.",
		Buckets:   buckets,
	}, []string{"adapter", "action", "outcome"})); err != nil {
		return nil, err
	}

	if m.Requests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests partitioned by method, route, and status code.",
	}, []string{"method", "route", "status"})); err != nil {
		return nil, err
	}

	if m.Duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Histogram of HTTP request latencies in seconds partitioned by method, route, and status code.",
		Buckets:   buckets,
	}, []string{"method", "route", "status"})); err != nil {
		return nil, err
	}

	if m.InFlight, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Detection(result string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(result).Inc()
}

func (m *Metrics) Grant(result string) {
	if m == nil {
		return
	}
	m.Grants.WithLabelValues(result).Inc()
}

func (m *Metrics) Denial(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.Denials.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAdapter(adapter, action string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.AdapterDuration.WithLabelValues(adapter, action, outcome).Observe(elapsed.Seconds())
}

// Handler records request metrics. The route label is the chi route pattern,
// or "unmatched" when no route matched.
func (m *Metrics) Handler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		m.Requests.With(labels).Inc()
		m.Duration.With(labels).Observe(time.Since(start).Seconds())
	})
}
