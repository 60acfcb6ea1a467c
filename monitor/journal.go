package monitor

import (
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/plantcare/dvalve/generichttp"
)

// Event is one entry in the operator journal
type Event struct {
	Time    time.Time `json:"timestamp"`
	Message string    `json:"message"`
}

// Journal keeps the most recent operator events in memory and echoes them
// to a logger
type Journal struct {
	mu     sync.Mutex
	events *ring[Event]
	log    *log.Logger
	now    func() time.Time
}

// NewJournal returns a journal holding up to capacity events.  A nil
// logger discards the echo.
func NewJournal(capacity int, logger *log.Logger) *Journal {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Journal{events: newRing[Event](capacity), log: logger, now: time.Now}
}

// Record appends msg to the journal
func (j *Journal) Record(msg string) {
	j.mu.Lock()
	j.events.append(Event{Time: j.now(), Message: msg})
	j.mu.Unlock()
	j.log.Println(msg)
}

// Events returns the journal, oldest first
func (j *Journal) Events() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.events.contiguous()
}

// HTTPYield returns the journal over HTTP as a JSON array
func (j *Journal) HTTPYield(w http.ResponseWriter, r *http.Request) {
	generichttp.JSON(w, j.Events())
}
