package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"runtime"
	"time"

	"github.com/ChuLiYu/relaypool/internal/metrics"
	"github.com/ChuLiYu/relaypool/internal/worker"
	"github.com/ChuLiYu/relaypool/pkg/types"
)

const maxBodyBytes = 1 << 20

type memoryUsage struct {
	Sys        uint64 `json:"sys"`
	HeapAlloc  uint64 `json:"heapAlloc"`
	HeapSys    uint64 `json:"heapSys"`
	HeapInuse  uint64 `json:"heapInuse"`
	StackInuse uint64 `json:"stackInuse"`
	NumGC      uint32 `json:"numGC"`
}

type healthResponse struct {
	Status      string         `json:"status"`
	WorkerID    types.WorkerID `json:"workerId"`
	Uptime      float64        `json:"uptime"`
	Memory      memoryUsage    `json:"memory"`
	ClusterMode bool           `json:"clusterMode"`
	Timestamp   string         `json:"timestamp"`
}

type platformInfo struct {
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"numCPU"`
}

type infoResponse struct {
	Message      string         `json:"message"`
	WorkerID     types.WorkerID `json:"workerId"`
	ClusterMode  bool           `json:"clusterMode"`
	PlatformInfo platformInfo   `json:"platformInfo"`
}

type broadcastRequest struct {
	Message string `json:"message"`
	Data    string `json:"data"`
}

type broadcastResponse struct {
	Success  bool           `json:"success"`
	WorkerID types.WorkerID `json:"workerId"`
	Message  string         `json:"message"`
	Data     string         `json:"data"`
}

type workerInfoResponse struct {
	WorkerID         types.WorkerID          `json:"workerId"`
	ReceivedMessages []types.ReceivedMessage `json:"receivedMessages"`
	MessageCount     int                     `json:"messageCount"`
	Uptime           float64                 `json:"uptime"`
	Memory           memoryUsage             `json:"memory"`
}

type rootResponse struct {
	Message   string            `json:"message"`
	Endpoints map[string]string `json:"endpoints"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type notFoundResponse struct {
	Error              string            `json:"error"`
	Path               string            `json:"path"`
	Message            string            `json:"message"`
	AvailableEndpoints map[string]string `json:"availableEndpoints"`
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/info", s.handleInfo)

	if s.cfg.ClusterMode {
		s.mux.HandleFunc("POST /api/worker/broadcast", s.handleBroadcast)
		s.mux.HandleFunc("GET /api/worker/info", s.handleWorkerInfo)
		s.mux.HandleFunc("GET /api/worker/stream", s.handleStream)
	} else {
		s.mux.HandleFunc("POST /api/worker/broadcast", handleClusterDisabled)
		s.mux.HandleFunc("GET /api/worker/info", handleClusterDisabled)
		s.mux.HandleFunc("GET /api/worker/stream", handleClusterDisabled)
	}

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	s.mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health": "/health",
		"info":   "/api/info",
	}
	if s.cfg.ClusterMode {
		endpoints["workerInfo"] = "/api/worker/info"
		endpoints["workerBroadcast"] = "POST /api/worker/broadcast"
		endpoints["workerStream"] = "/api/worker/stream"
	}
	if s.gatherer != nil {
		endpoints["metrics"] = "/metrics"
	}
	writeJSON(w, http.StatusOK, rootResponse{
		Message:   "relaypool server is running",
		Endpoints: endpoints,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		WorkerID:    s.worker.ID(),
		Uptime:      s.worker.Uptime().Seconds(),
		Memory:      readMemory(),
		ClusterMode: s.cfg.ClusterMode,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	message := "relaypool server"
	if s.cfg.ClusterMode {
		message = "relaypool server with cluster mode"
	}
	writeJSON(w, http.StatusOK, infoResponse{
		Message:     message,
		WorkerID:    s.worker.ID(),
		ClusterMode: s.cfg.ClusterMode,
		PlatformInfo: platformInfo{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			NumCPU:    runtime.NumCPU(),
		},
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	payload, err := readBroadcastPayload(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	msg, err := s.worker.Broadcast(payload)
	switch {
	case errors.Is(err, worker.ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Message is required"})
		return
	case errors.Is(err, worker.ErrClusterDisabled):
		handleClusterDisabled(w, r)
		return
	case err != nil:
		s.log.Error("Failed to send broadcast", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:   "Relay channel unavailable",
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, broadcastResponse{
		Success:  true,
		WorkerID: s.worker.ID(),
		Message:  "Message sent to other workers",
		Data:     msg.Payload,
	})
}

func (s *Server) handleWorkerInfo(w http.ResponseWriter, r *http.Request) {
	messages := s.worker.Messages()
	writeJSON(w, http.StatusOK, workerInfoResponse{
		WorkerID:         s.worker.ID(),
		ReceivedMessages: messages,
		MessageCount:     len(messages),
		Uptime:           s.worker.Uptime().Seconds(),
		Memory:           readMemory(),
	})
}

func handleClusterDisabled(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:   "Cluster mode is disabled",
		Message: "Set ENABLE_CLUSTER=true to enable worker communication",
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health": "/health",
		"info":   "/api/info",
	}
	if s.cfg.ClusterMode {
		endpoints["workerInfo"] = "/api/worker/info"
	}
	writeJSON(w, http.StatusNotFound, notFoundResponse{
		Error:              "Not Found",
		Path:               r.URL.Path,
		Message:            "The requested resource was not found on this server.",
		AvailableEndpoints: endpoints,
	})
}

// readBroadcastPayload accepts a JSON or form body carrying "message",
// falling back to "data". An empty body yields an empty payload.
func readBroadcastPayload(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return "", errors.New("Invalid form body")
		}
		if v := r.PostForm.Get("message"); v != "" {
			return v, nil
		}
		return r.PostForm.Get("data"), nil
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", errors.New("Invalid JSON body")
	}
	if req.Message != "" {
		return req.Message, nil
	}
	return req.Data, nil
}

func readMemory() memoryUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return memoryUsage{
		Sys:        ms.Sys,
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		HeapInuse:  ms.HeapInuse,
		StackInuse: ms.StackInuse,
		NumGC:      ms.NumGC,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
