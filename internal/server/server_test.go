package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/justlark/squirtinator/internal/bus"
	"github.com/justlark/squirtinator/internal/config"
	"github.com/justlark/squirtinator/internal/core"
	"github.com/justlark/squirtinator/internal/netmgr"
	"github.com/justlark/squirtinator/internal/pump"
	"github.com/justlark/squirtinator/internal/scheduler"
)

type fixture struct {
	server *Server
	state  *core.State
	bus    *bus.Sim
}

func newFixture(t *testing.T, minInterval string) *fixture {
	t.Helper()

	state := core.NewState(5, 3600, 60, 300)
	simBus := bus.NewSim()
	driver := pump.NewDriver(simBus, state, &config.ActuatorConfig{
		PulsePayload: "01",
		MinInterval:  minInterval,
		WriteTimeout: "1s",
	})
	schedules := scheduler.NewCron(make(core.CommandChannel, 8),
		filepath.Join(t.TempDir(), "schedules.json"))

	deps := Deps{
		State:     state,
		Trigger:   driver.Trigger,
		Schedules: schedules,
		NetStatus: func() netmgr.Info {
			return netmgr.Info{Hostname: "squirtinator", AccessPointSSID: "pump-ap"}
		},
		ApplyFrequency: func(minFreq, maxFreq int) error {
			return state.SetFrequency(minFreq, maxFreq)
		},
		ApplyWifi: func(ssid, password string) error {
			state.SetWifi(ssid, password)
			return nil
		},
		ApplyMode: func(mode core.Mode) error {
			state.SetMode(mode)
			return nil
		},
	}

	return &fixture{
		server: NewServer(deps, 0, t.TempDir(), nil),
		state:  state,
		bus:    simBus,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, "500ms")
	f.state.SetWifi("homenet", "hunter2")

	rec := f.do(t, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var got map[string]interface{}
	decode(t, rec, &got)
	if got["mode"] != "manual" {
		t.Errorf("mode = %v, want manual", got["mode"])
	}
	if got["min_freq"].(float64) != 60 || got["max_freq"].(float64) != 300 {
		t.Errorf("frequency = %v %v", got["min_freq"], got["max_freq"])
	}
	if got["last_actuation"] != nil {
		t.Errorf("last_actuation = %v, want null before any pulse", got["last_actuation"])
	}
	if got["wifi_ssid"] != "homenet" {
		t.Errorf("wifi_ssid = %v, want homenet", got["wifi_ssid"])
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("status response leaked the wifi password")
	}
}

func TestFrequencyRoundtrip(t *testing.T) {
	f := newFixture(t, "500ms")

	rec := f.do(t, http.MethodPut, "/api/frequency", `{"min": 30, "max": 90}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT code = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/frequency", "")
	var got map[string]int
	decode(t, rec, &got)
	if got["min"] != 30 || got["max"] != 90 {
		t.Errorf("frequency = %+v, want min 30 max 90", got)
	}
	if got["lower_bound"] != 5 || got["upper_bound"] != 3600 {
		t.Errorf("bounds = %+v", got)
	}
}

func TestFrequencyRejectsInvalidBounds(t *testing.T) {
	f := newFixture(t, "500ms")

	tests := []string{
		`{"min": 1, "max": 90}`,    // below lower bound
		`{"min": 30, "max": 9999}`, // above upper bound
		`{"min": 90, "max": 30}`,   // inverted
		`{"min": 90, "max": 90}`,   // collapsed
	}
	for _, body := range tests {
		rec := f.do(t, http.MethodPut, "/api/frequency", body)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("PUT %s code = %d, want 422", body, rec.Code)
		}
	}

	// Rejected updates must not change the stored values.
	snap := f.state.Snapshot()
	if snap.MinFreq != 60 || snap.MaxFreq != 300 {
		t.Errorf("state changed after rejected updates: %+v", snap)
	}

	rec := f.do(t, http.MethodPut, "/api/frequency", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body code = %d, want 400", rec.Code)
	}
}

func TestModeEndpoint(t *testing.T) {
	f := newFixture(t, "500ms")

	rec := f.do(t, http.MethodPut, "/api/mode", `{"mode": "auto"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT mode code = %d, body %s", rec.Code, rec.Body.String())
	}
	if f.state.Mode() != core.ModeAutomatic {
		t.Errorf("mode = %s, want auto", f.state.Mode())
	}

	rec = f.do(t, http.MethodPut, "/api/mode", `{"mode": "turbo"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown mode code = %d, want 422", rec.Code)
	}
}

func TestTriggerEndpointEnforcesInterlock(t *testing.T) {
	f := newFixture(t, "10m")

	rec := f.do(t, http.MethodPost, "/api/trigger", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first trigger code = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := len(f.bus.Writes()); got != 1 {
		t.Fatalf("bus writes = %d, want 1", got)
	}

	rec = f.do(t, http.MethodPost, "/api/trigger", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second trigger code = %d, want 429", rec.Code)
	}
	if got := len(f.bus.Writes()); got != 1 {
		t.Errorf("interlocked trigger still wrote to the bus: %d writes", got)
	}
}

func TestTriggerEndpointReportsBusFailure(t *testing.T) {
	f := newFixture(t, "500ms")
	f.bus.SetErr(context.DeadlineExceeded)

	rec := f.do(t, http.MethodPost, "/api/trigger", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failed trigger code = %d, want 502", rec.Code)
	}
}

func TestWifiEndpoint(t *testing.T) {
	f := newFixture(t, "500ms")

	rec := f.do(t, http.MethodPut, "/api/wifi", `{"ssid": "homenet", "password": "hunter2"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("PUT wifi code = %d, want 202", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Error("wifi response echoed the password")
	}

	rec = f.do(t, http.MethodGet, "/api/wifi", "")
	var got map[string]string
	decode(t, rec, &got)
	if got["ssid"] != "homenet" {
		t.Errorf("ssid = %q, want homenet", got["ssid"])
	}
	if _, leaked := got["password"]; leaked {
		t.Error("GET wifi returned a password field")
	}

	rec = f.do(t, http.MethodPut, "/api/wifi", `{"ssid": "  ", "password": "x"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("blank ssid code = %d, want 422", rec.Code)
	}
}

func TestSchedulesEndpoint(t *testing.T) {
	f := newFixture(t, "500ms")

	rec := f.do(t, http.MethodPost, "/api/schedules", `{"spec": "0 8 * * *", "command": "trigger"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST schedule code = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/schedules", `{"spec": "0 8 * * *", "command": "explode"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown command code = %d, want 422", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/schedules", `{"spec": "whenever", "command": "trigger"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad spec code = %d, want 422", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/schedules", "")
	var all map[int]scheduler.ScheduleEntry
	decode(t, rec, &all)
	if len(all) != 1 {
		t.Fatalf("schedule count = %d, want 1", len(all))
	}

	for id := range all {
		rec = f.do(t, http.MethodDelete, "/api/schedules/"+strconv.Itoa(id), "")
		if rec.Code != http.StatusOK {
			t.Errorf("DELETE code = %d", rec.Code)
		}
	}
	rec = f.do(t, http.MethodGet, "/api/schedules", "")
	all = nil
	decode(t, rec, &all)
	if len(all) != 0 {
		t.Errorf("schedule count after delete = %d, want 0", len(all))
	}

	rec = f.do(t, http.MethodDelete, "/api/schedules/notanumber", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id code = %d, want 400", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, "500ms")

	for _, c := range []struct{ method, path string }{
		{http.MethodDelete, "/api/status"},
		{http.MethodPost, "/api/frequency"},
		{http.MethodGet, "/api/trigger"},
		{http.MethodGet, "/api/mode"},
		{http.MethodPut, "/api/schedules"},
	} {
		rec := f.do(t, c.method, c.path, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s code = %d, want 405", c.method, c.path, rec.Code)
		}
	}
}
