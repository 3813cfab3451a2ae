package cadence

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"
)

// AdminServer exposes operational endpoints for a Client over HTTP.
// All responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	client   *Client
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(client *Client, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		client:   client,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/client/status", as.handleStatus)
	mux.HandleFunc("/client/operations", as.handleOperations)
	mux.HandleFunc("/client/workers", as.handleWorkers)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /client/status.
type statusResponse struct {
	State             string           `json:"state"` // "connected", "closing"
	Mode              string           `json:"mode"`
	Identity          string           `json:"identity"`
	Domain            string           `json:"domain"`
	ListenAddr        string           `json:"listen_addr"`
	ProxyAddr         string           `json:"proxy_addr"`
	Error             string           `json:"error,omitempty"`
	PendingOperations int              `json:"pending_operations"`
	ActiveWorkers     int              `json:"active_workers"`
	RegisteredTypes   []string         `json:"registered_types"`
	Metrics           map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := as.client

	state := "connected"
	if c.Closing() {
		state = "closing"
	}

	resp := statusResponse{
		State:             state,
		Mode:              string(c.settings.LaunchMode),
		Identity:          c.settings.ClientIdentity,
		Domain:            c.settings.DefaultDomain,
		ListenAddr:        c.ListenAddr(),
		ProxyAddr:         c.ProxyAddr(),
		PendingOperations: c.operations.Len(),
		ActiveWorkers:     c.workers.activeCount(),
		RegisteredTypes:   c.registeredTypes(),
		Metrics:           c.metrics.Snapshot(),
	}
	if err := c.Err(); err != nil {
		resp.Error = err.Error()
	}

	writeJSON(w, resp)
}

// operationsResponse is the JSON structure for GET /client/operations.
type operationsResponse struct {
	Operations []operationEntry `json:"operations"`
}

type operationEntry struct {
	RequestID int64  `json:"request_id"`
	Type      string `json:"type"`
	AgeMs     int64  `json:"age_ms"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (as *AdminServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := time.Now()
	infos := as.client.PendingOperations()
	entries := make([]operationEntry, len(infos))
	for i, op := range infos {
		entries[i] = operationEntry{
			RequestID: op.RequestID,
			Type:      op.Type,
			AgeMs:     now.Sub(op.IssuedAt).Milliseconds(),
			TimeoutMs: op.Timeout.Milliseconds(),
		}
	}

	writeJSON(w, operationsResponse{Operations: entries})
}

// workersResponse is the JSON structure for GET /client/workers.
type workersResponse struct {
	Workers []WorkerInfo `json:"workers"`
}

func (as *AdminServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, workersResponse{Workers: as.client.Workers()})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}

// registeredTypes returns the registered workflow and activity type names,
// prefixed with their kind.
func (c *Client) registeredTypes() []string {
	c.handlersMu.RLock()
	types := make([]string, 0, len(c.workflows)+len(c.activities))
	for name := range c.workflows {
		types = append(types, "workflow:"+name)
	}
	for name := range c.activities {
		types = append(types, "activity:"+name)
	}
	c.handlersMu.RUnlock()

	sort.Strings(types)
	return types
}
