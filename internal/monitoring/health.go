package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-smlp/internal/logger"
)

const (
	maxAlerts  = 100
	maxHistory = 1000

	// Fetches slower than this raise a warning.
	slowServe = 5 * time.Second
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Store     StoreInfo     `json:"store"`
	Serving   ServingInfo   `json:"serving"`
	Alerts    []Alert       `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// StoreInfo describes the checkpoint directory being served.
type StoreInfo struct {
	Dir         string `json:"dir"`
	Checkpoints int    `json:"checkpoints"`
	Readable    bool   `json:"readable"`
}

type ServingInfo struct {
	Fetches      int       `json:"fetches"`
	Failures     int       `json:"failures"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	LastServed   string    `json:"last_served,omitempty"`
	LastServedAt time.Time `json:"last_served_at"`
}

type Alert struct {
	Level     string    `json:"level"` // warning or error
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// Store is the part of the checkpoint server the monitor inspects.
type Store interface {
	Dir() string
	Checkpoints() ([]string, error)
}

type servePoint struct {
	name     string
	duration time.Duration
}

// HealthMonitor tracks checkpoint fetches and answers health probes.
type HealthMonitor struct {
	startTime time.Time
	store     Store
	server    *http.Server
	log       *logger.Logger

	mu         sync.RWMutex
	alerts     []Alert
	history    []servePoint
	fetches    int
	failures   int
	lastServed servePoint
	lastAt     time.Time
}

func NewHealthMonitor(store Store) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		store:     store,
		log:       logger.Log.With("component", "health"),
	}
}

// Handler routes /health, /healthz, /status, /metrics and /admin/alerts.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	hm.log.Info("Health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordServe implements checkpoint.Observer.
func (hm *HealthMonitor) RecordServe(name string, tensors int, elapsed time.Duration, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	p := servePoint{name: name, duration: elapsed}
	hm.fetches++
	hm.lastServed = p
	hm.lastAt = time.Now()
	hm.history = append(hm.history, p)
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}

	if err != nil {
		hm.failures++
		hm.addAlertLocked("warning", "flight", fmt.Sprintf("fetch %q failed: %v", name, err))
	} else if elapsed > slowServe {
		hm.addAlertLocked("warning", "flight",
			fmt.Sprintf("slow fetch %q: %d tensors in %s", name, tensors, elapsed.Round(time.Millisecond)))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		hm.alerts[index].Resolved = true
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert(nil), hm.alerts...)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status reports "unhealthy" when the store cannot be read, "degraded" while
// an unresolved error alert is open, and "healthy" otherwise.
func (hm *HealthMonitor) Status() HealthStatus {
	store := StoreInfo{Dir: hm.store.Dir()}
	if names, err := hm.store.Checkpoints(); err == nil {
		store.Readable = true
		store.Checkpoints = len(names)
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == "error" && !a.Resolved {
			status = "degraded"
		}
	}
	if !store.Readable {
		status = "unhealthy"
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Store:     store,
		Serving:   hm.servingInfoLocked(),
		Alerts:    append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) servingInfoLocked() ServingInfo {
	info := ServingInfo{
		Fetches:      hm.fetches,
		Failures:     hm.failures,
		LastServed:   hm.lastServed.name,
		LastServedAt: hm.lastAt,
	}
	if len(hm.history) == 0 {
		return info
	}

	latencies := make([]float64, len(hm.history))
	var total time.Duration
	for i, p := range hm.history {
		total += p.duration
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
	}
	slices.Sort(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	return info
}
