package stepper_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"github.com/plantcare/dvalve/generichttp"
	"github.com/plantcare/dvalve/stepper"
)

func newHTTPValve(t *testing.T, travel int) (*stepper.Controller, *stepper.HTTPWrapper, http.Handler) {
	t.Helper()
	c, _ := newValve(t, travel, travel/2)
	w := stepper.NewHTTPWrapper(c, stepper.DefaultQuickMoves(), nil)
	r := chi.NewRouter()
	w.RT().Bind(r)
	return c, w, r
}

func call(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func settle(t *testing.T, c *stepper.Controller) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.IsIdle() {
		if time.Now().After(deadline) {
			t.Fatal("move did not finish")
		}
		time.Sleep(time.Millisecond)
	}
}

func getPos(t *testing.T, h http.Handler) float64 {
	t.Helper()
	rec := call(h, http.MethodGet, "/pos", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /pos: %d %s", rec.Code, rec.Body.String())
	}
	f := generichttp.FloatT{}
	if err := json.NewDecoder(rec.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	return f.F64
}

func TestHTTPRequiresCalibration(t *testing.T) {
	_, _, h := newHTTPValve(t, 400)
	if rec := call(h, http.MethodPost, "/pos", `{"f64":50}`); rec.Code != http.StatusPreconditionFailed {
		t.Errorf("expected 412 before calibration, got %d", rec.Code)
	}
	if rec := call(h, http.MethodGet, "/pos", ""); rec.Code != http.StatusPreconditionFailed {
		t.Errorf("expected 412 reading position before calibration, got %d", rec.Code)
	}
}

func TestHTTPHomeAndPercentMoves(t *testing.T) {
	c, _, h := newHTTPValve(t, 400)
	if rec := call(h, http.MethodPost, "/home", ""); rec.Code != http.StatusOK {
		t.Fatalf("POST /home: %d %s", rec.Code, rec.Body.String())
	}
	if p := getPos(t, h); p != 100 {
		t.Errorf("expected 100%% after homing, got %v", p)
	}
	if rec := call(h, http.MethodPost, "/pos", `{"f64":25}`); rec.Code != http.StatusOK {
		t.Fatalf("POST /pos: %d %s", rec.Code, rec.Body.String())
	}
	settle(t, c)
	if p := getPos(t, h); p != 25 {
		t.Errorf("expected 25%%, got %v", p)
	}
	if rec := call(h, http.MethodPost, "/pos?relative=true", `{"f64":-5}`); rec.Code != http.StatusOK {
		t.Fatalf("relative POST /pos: %d %s", rec.Code, rec.Body.String())
	}
	settle(t, c)
	if p := getPos(t, h); p != 20 {
		t.Errorf("expected 20%%, got %v", p)
	}
	if rec := call(h, http.MethodPost, "/pos?relative=true", `{"f64":-50}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a relative move past closed, got %d", rec.Code)
	}
	if rec := call(h, http.MethodPost, "/pos", `{"f64":101}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for 101%%, got %d", rec.Code)
	}
}

func TestHTTPSteps(t *testing.T) {
	c, _, h := newHTTPValve(t, 400)
	call(h, http.MethodPost, "/home", "")
	if rec := call(h, http.MethodPost, "/steps", `{"steps":40,"direction":"close"}`); rec.Code != http.StatusOK {
		t.Fatalf("POST /steps: %d %s", rec.Code, rec.Body.String())
	}
	settle(t, c)
	if n := c.CurrentStepCount(); n != 360 {
		t.Errorf("expected count 360, got %d", n)
	}
	if rec := call(h, http.MethodPost, "/steps", `{"steps":40,"direction":"sideways"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad direction, got %d", rec.Code)
	}
	if rec := call(h, http.MethodPost, "/steps", `{"steps":-1,"direction":"open"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative steps, got %d", rec.Code)
	}
	if rec := call(h, http.MethodPost, "/angle", `{"angle":36,"direction":"open"}`); rec.Code != http.StatusOK {
		t.Fatalf("POST /angle: %d %s", rec.Code, rec.Body.String())
	}
	settle(t, c)
	if n := c.CurrentStepCount(); n != 380 {
		t.Errorf("expected count 380 after 36 degrees, got %d", n)
	}
}

func TestHTTPBusy(t *testing.T) {
	cfg := stepper.DefaultConfig()
	c, sim := calibrated(t, 400, 0)
	w := stepper.NewHTTPWrapper(c, nil, nil)
	r := chi.NewRouter()
	w.RT().Bind(r)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sim.OnStep = func(int) {
		once.Do(func() {
			close(started)
			<-release
		})
	}
	if rec := call(r, http.MethodPost, "/close", ""); rec.Code != http.StatusOK {
		t.Fatalf("POST /close: %d", rec.Code)
	}
	<-started
	if rec := call(r, http.MethodPost, "/steps", `{"steps":1,"direction":"open"}`); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while moving, got %d", rec.Code)
	}
	if rec := call(r, http.MethodGet, "/inposition", ""); !strings.Contains(rec.Body.String(), "false") {
		t.Errorf("expected not in position while moving, got %s", rec.Body.String())
	}
	close(release)
	settle(t, c)
	if c.CurrentStepCount() != 0 {
		t.Errorf("expected fully closed, got %d", c.CurrentStepCount())
	}
	if sim.Level(cfg.Pins.Enable) != 0 {
		t.Error("driver left enabled")
	}
}

func TestHTTPNotInPositionUntilSlotFree(t *testing.T) {
	c, sim := calibrated(t, 400, 0)
	w := stepper.NewHTTPWrapper(c, nil, nil)
	r := chi.NewRouter()
	w.RT().Bind(r)

	var (
		once sync.Once
		body string
	)
	sim.OnStep = func(int) {
		once.Do(func() {
			c.Stop()
			body = call(r, http.MethodGet, "/inposition", "").Body.String()
		})
	}
	task, err := c.MoveToFullyClosed(nil)
	if err != nil {
		t.Fatal(err)
	}
	task.Wait()
	if !strings.Contains(body, "false") {
		t.Errorf("expected not in position while the stopped loop winds down, got %s", body)
	}
	rec := call(r, http.MethodGet, "/inposition", "")
	if !strings.Contains(rec.Body.String(), "true") {
		t.Errorf("expected in position after the move, got %s", rec.Body.String())
	}
	if rec := call(r, http.MethodPost, "/steps", `{"steps":1,"direction":"close"}`); rec.Code != http.StatusOK {
		t.Errorf("expected a move to be accepted once in position, got %d", rec.Code)
	}
}

func TestHTTPQuickMoves(t *testing.T) {
	c, _, h := newHTTPValve(t, 400)
	call(h, http.MethodPost, "/home", "")
	var quick []stepper.QuickMove
	rec := call(h, http.MethodGet, "/quick", "")
	if err := json.NewDecoder(rec.Body).Decode(&quick); err != nil {
		t.Fatal(err)
	}
	if len(quick) != 4 || quick[2].Direction != stepper.Closing || quick[2].Steps != 50 {
		t.Errorf("unexpected presets %+v", quick)
	}
	if rec := call(h, http.MethodPost, "/quick/3", ""); rec.Code != http.StatusOK {
		t.Fatalf("POST /quick/3: %d %s", rec.Code, rec.Body.String())
	}
	settle(t, c)
	if n := c.CurrentStepCount(); n != 350 {
		t.Errorf("expected count 350, got %d", n)
	}
	if rec := call(h, http.MethodPost, "/quick/1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a preset past the top, got %d", rec.Code)
	}
	if rec := call(h, http.MethodPost, "/quick/9", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown preset, got %d", rec.Code)
	}
}

func TestHTTPSettingsAndEstop(t *testing.T) {
	c, _, h := newHTTPValve(t, 400)
	if rec := call(h, http.MethodPost, "/velocity", `{"f64":99}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 above max speed, got %d", rec.Code)
	}
	if rec := call(h, http.MethodPost, "/velocity", `{"f64":30}`); rec.Code != http.StatusOK {
		t.Errorf("POST /velocity: %d", rec.Code)
	}
	if c.Speed() != 30 {
		t.Errorf("expected speed 30, got %v", c.Speed())
	}
	if rec := call(h, http.MethodPost, "/microstepping", `{"int":4}`); rec.Code != http.StatusOK || c.Microstepping() != 4 {
		t.Errorf("POST /microstepping: %d, micro=%d", rec.Code, c.Microstepping())
	}
	call(h, http.MethodPost, "/home", "")
	if rec := call(h, http.MethodPost, "/estop", ""); rec.Code != http.StatusOK {
		t.Errorf("POST /estop: %d", rec.Code)
	}
	var st stepper.Status
	rec := call(h, http.MethodGet, "/status", "")
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.CurrentStepCount != 0 || st.Moving || !st.Calibrated || st.Microstepping != 4 {
		t.Errorf("unexpected status after estop %+v", st)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	_, w, _ := newHTTPValve(t, 400)
	eps := strings.Join(w.RT().Endpoints(), "\n")
	for _, want := range []string{"GET /pos", "POST /pos", "POST /home", "POST /stop", "GET /velocity", "GET /inposition", "POST /estop", "POST /quick/{n}"} {
		if !strings.Contains(eps, want) {
			t.Errorf("missing endpoint %q", want)
		}
	}
}
