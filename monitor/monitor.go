/*Package monitor contains the machinery for watching a valve while it runs.

A Monitor samples the controller Status every tick (1 s by default), keeps
up to N samples to return over HTTP, pushes each sample to websocket
subscribers, and exposes the latest state as prometheus gauges.  A Journal
records the commands operators issue.
*/
package monitor

import (
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/plantcare/dvalve/generichttp"
	"github.com/plantcare/dvalve/stepper"
)

const (
	// DefaultTick is the sampling period
	DefaultTick = time.Second

	// DefaultCapacity is the number of samples kept, one hour at DefaultTick
	DefaultCapacity = 3600
)

// Source is anything with a status snapshot, normally a *stepper.Controller
type Source interface {
	Status() stepper.Status
}

// Sample is one status reading
type Sample struct {
	Time time.Time `json:"timestamp"`
	stepper.Status
}

// Monitor samples a Source on a ticker
type Monitor struct {
	src  Source
	tick time.Duration
	log  *log.Logger

	mu   sync.Mutex
	hist *ring[Sample]
	last Sample
	subs map[chan Sample]struct{}

	// FeedRate caps the messages per second sent to each websocket subscriber.
	// Samples over the rate are dropped for that subscriber.
	FeedRate rate.Limit

	upgrader websocket.Upgrader

	stop chan struct{}
	done chan struct{}
}

// New creates a new Monitor.  It does not sample until Start is called.
func New(src Source, tick time.Duration, capacity int, logger *log.Logger) *Monitor {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Monitor{
		src:      src,
		tick:     tick,
		log:      logger,
		hist:     newRing[Sample](capacity),
		subs:     make(map[chan Sample]struct{}),
		FeedRate: rate.Every(tick / 2),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start triggers operation of the monitor
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.runner(m.stop, m.done)
}

// Stop halts the monitor and waits for the runner to exit.  It may be restarted.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Monitor) runner(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			m.Sample(t)
		case <-stop:
			return
		}
	}
}

// Sample reads the source once, stores the reading and sends it to
// every subscriber
func (m *Monitor) Sample(t time.Time) Sample {
	s := Sample{Time: t, Status: m.src.Status()}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist.append(s)
	m.last = s
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			// subscriber is behind, it misses this one
		}
	}
	return s
}

// Last returns the most recent sample
func (m *Monitor) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// History returns the stored samples, oldest first
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hist.contiguous()
}

func (m *Monitor) subscribe() chan Sample {
	ch := make(chan Sample, 8)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Monitor) unsubscribe(ch chan Sample) {
	m.mu.Lock()
	delete(m.subs, ch)
	m.mu.Unlock()
}

// HTTPYield returns the history over HTTP as a JSON array
func (m *Monitor) HTTPYield(w http.ResponseWriter, r *http.Request) {
	generichttp.JSON(w, m.History())
}

// HTTPFeed upgrades the request to a websocket and streams samples as JSON
// until the client goes away.  The latest sample is sent on connect.
func (m *Monitor) HTTPFeed(w http.ResponseWriter, r *http.Request) {
	ch := m.subscribe()
	defer m.unsubscribe(ch)
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		m.log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// the read side only exists to notice the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(m.Last()); err != nil {
		return
	}
	limiter := rate.NewLimiter(m.FeedRate, 1)
	for {
		select {
		case s := <-ch:
			if !limiter.Allow() {
				continue
			}
			if err := conn.WriteJSON(s); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// Inject places /history and /feed routes on the table of the HTTPer
func (m *Monitor) Inject(h generichttp.HTTPer) {
	rt := h.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/history"}] = m.HTTPYield
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/feed"}] = m.HTTPFeed
}

// Inject places a /journal route on the table of the HTTPer
func (j *Journal) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/journal"}] = j.HTTPYield
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Register adds gauges for the source to reg, labelled with node
func (m *Monitor) Register(reg prometheus.Registerer, node string) error {
	labels := prometheus.Labels{"node": node}
	gauges := []struct {
		name, help string
		f          func(stepper.Status) float64
	}{
		{"percent_open", "Valve position as a percentage of the calibrated range.", func(s stepper.Status) float64 { return s.PercentOpen }},
		{"step_count", "Steps from the calibrated zero.", func(s stepper.Status) float64 { return float64(s.CurrentStepCount) }},
		{"full_range_steps", "Steps between the limit switches measured by calibration.", func(s stepper.Status) float64 { return float64(s.FullRangeCount) }},
		{"moving", "1 while a move runs.", func(s stepper.Status) float64 { return b2f(s.Moving) }},
		{"calibrated", "1 once calibration has completed.", func(s stepper.Status) float64 { return b2f(s.Calibrated) }},
		{"speed_rpm", "Move speed setpoint.", func(s stepper.Status) float64 { return s.Speed }},
	}
	for _, g := range gauges {
		f := g.f
		err := reg.Register(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   "dvalve",
				Name:        g.name,
				Help:        g.help,
				ConstLabels: labels,
			},
			func() float64 { return f(m.src.Status()) },
		))
		if err != nil {
			return err
		}
	}
	return nil
}
