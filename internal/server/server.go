package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/core"
	"github.com/justlark/squirtinator/internal/logging"
	"github.com/justlark/squirtinator/internal/netmgr"
	"github.com/justlark/squirtinator/internal/pump"
	"github.com/justlark/squirtinator/internal/scheduler"
)

// Deps are the collaborators the HTTP layer operates on. The apply* funcs
// are supplied by the agent: they validate, persist and fan out each change
// so every entry point (REST, WebSocket, MQTT, cron) behaves identically.
type Deps struct {
	State     *core.State
	Trigger   func(ctx context.Context) error
	Schedules *scheduler.Cron
	NetStatus func() netmgr.Info

	ApplyFrequency func(minFreq, maxFreq int) error
	ApplyWifi      func(ssid, password string) error
	ApplyMode      func(mode core.Mode) error

	Commands core.CommandChannel
}

// Server manages the HTTP and WebSocket services.
type Server struct {
	Hub  *Hub
	deps Deps

	httpServer     *http.Server
	staticFilesDir string
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewServer creates a new server instance.
func NewServer(deps Deps, port int, staticFilesDir string, allowedOrigins []string) *Server {
	hub := NewHub()
	go hub.Run()

	s := &Server{
		Hub:            hub,
		deps:           deps,
		staticFilesDir: staticFilesDir,
		allowedOrigins: allowedOrigins,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			logging.Warn("WebSocket connection blocked", zap.String("origin", origin))
			return false
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(s.staticFilesDir)))
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/frequency", s.handleFrequency)
	mux.HandleFunc("/api/wifi", s.handleWifi)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/trigger", s.handleTrigger)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}

	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// StatusPayload is the full device status, also pushed over the WebSocket.
func (s *Server) StatusPayload() map[string]interface{} {
	snap := s.deps.State.Snapshot()

	var last interface{}
	if !snap.LastActuation.IsZero() {
		last = snap.LastActuation.Format(time.RFC3339)
	}

	wifiSSID := ""
	if snap.Wifi != nil {
		// The password is never echoed back to clients.
		wifiSSID = snap.Wifi.SSID
	}

	return map[string]interface{}{
		"mode":           snap.Mode,
		"min_freq":       snap.MinFreq,
		"max_freq":       snap.MaxFreq,
		"last_actuation": last,
		"wifi_ssid":      wifiSSID,
		"network":        s.deps.NetStatus(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, s.StatusPayload())
}

func (s *Server) handleFrequency(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.deps.State.Snapshot()
		lower, upper := s.deps.State.Bounds()
		writeJSON(w, http.StatusOK, map[string]int{
			"min":         snap.MinFreq,
			"max":         snap.MaxFreq,
			"lower_bound": lower,
			"upper_bound": upper,
		})

	case http.MethodPut:
		var body struct {
			Min int `json:"min"`
			Max int `json:"max"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		if err := s.deps.ApplyFrequency(body.Min, body.Max); err != nil {
			if errors.Is(err, core.ErrInvalidBounds) {
				writeError(w, http.StatusUnprocessableEntity, err)
			} else {
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"min": body.Min, "max": body.Max})

	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) handleWifi(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.deps.State.Snapshot()
		ssid := ""
		if snap.Wifi != nil {
			ssid = snap.Wifi.SSID
		}
		writeJSON(w, http.StatusOK, map[string]string{"ssid": ssid})

	case http.MethodPut:
		var body struct {
			SSID     string `json:"ssid"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		body.SSID = strings.TrimSpace(body.SSID)
		if body.SSID == "" {
			writeError(w, http.StatusUnprocessableEntity, errors.New("ssid must not be empty"))
			return
		}
		if err := s.deps.ApplyWifi(body.SSID, body.Password); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// The station connection restarts now; everything else about the
		// change takes effect on the next device restart.
		writeJSON(w, http.StatusAccepted, map[string]string{
			"ssid": body.SSID,
			"note": "station connection restarting; other settings apply after restart",
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	mode := core.Mode(body.Mode)
	if mode != core.ModeManual && mode != core.ModeAutomatic {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("unknown mode '%s'", body.Mode))
		return
	}
	if err := s.deps.ApplyMode(mode); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	// Interlock and hardware failures surface to the operator rather than
	// silently doing nothing.
	if err := s.deps.Trigger(r.Context()); err != nil {
		switch {
		case errors.Is(err, pump.ErrTooSoon):
			writeError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, pump.ErrBusTimeout):
			writeError(w, http.StatusBadGateway, err)
		default:
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "triggered"})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.deps.Schedules.GetAll())

	case http.MethodPost:
		var body struct {
			Spec    string `json:"spec"`
			Command string `json:"command"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		switch body.Command {
		case "trigger", "auto on", "auto off":
		default:
			writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("unknown schedule command '%s'", body.Command))
			return
		}
		if err := s.deps.Schedules.Add(body.Spec, body.Command); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.deps.Schedules.GetAll())

	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid schedule id '%s'", idStr))
		return
	}
	s.deps.Schedules.Remove(id)
	writeJSON(w, http.StatusOK, s.deps.Schedules.GetAll())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	// New clients get the full picture up front, then live updates via the hub.
	_ = conn.WriteJSON(NewMessage("status", s.StatusPayload()))
	_ = conn.WriteJSON(NewMessage("schedule_list", s.deps.Schedules.GetAll()))

	s.Hub.register <- conn
	defer func() {
		s.Hub.unregister <- conn
	}()

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var cmd Command
		if err := json.Unmarshal(msgBytes, &cmd); err != nil {
			logging.Warn("Invalid WebSocket command", zap.Error(err))
			continue
		}
		if s.deps.Commands != nil {
			s.deps.Commands <- core.Command{Type: core.CommandType(cmd.Type), Payload: cmd.Payload}
		}
	}
}
