package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthProvider reports node specific health details, e.g. relay connectivity
type HealthProvider func() map[string]interface{}

type MonitoringServer struct {
	ctx       context.Context
	cancel    context.CancelFunc
	server    *http.Server
	listener  net.Listener
	port      string
	startTime time.Time
	logger    *LogsManager
	config    *ConfigManager
	registry  *prometheus.Registry

	healthMu sync.RWMutex
	health   HealthProvider

	requestCount int64
	errorCount   int64
}

type ResourceStats struct {
	Timestamp       string  `json:"timestamp"`
	Goroutines      int     `json:"goroutines"`
	HeapAllocBytes  uint64  `json:"heap_alloc_bytes"`
	HeapInuseBytes  uint64  `json:"heap_inuse_bytes"`
	HeapSysBytes    uint64  `json:"heap_sys_bytes"`
	HeapObjects     uint64  `json:"heap_objects"`
	StackInuseBytes uint64  `json:"stack_inuse_bytes"`
	NextGC          uint64  `json:"next_gc_bytes"`
	LastGC          string  `json:"last_gc"`
	NumGC           uint32  `json:"num_gc"`
	GCCPUFraction   float64 `json:"gc_cpu_fraction"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	RequestCount    int64   `json:"request_count"`
	ErrorCount      int64   `json:"error_count"`
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Uptime    string                 `json:"uptime"`
	Port      string                 `json:"port"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewMonitoringServer creates the server; registry may be nil, in which case a private one is created
func NewMonitoringServer(config *ConfigManager, logger *LogsManager, registry *prometheus.Registry) *MonitoringServer {
	ctx, cancel := context.WithCancel(context.Background())

	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &MonitoringServer{
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		logger:    logger,
		config:    config,
		registry:  registry,
	}
}

// SetHealthProvider attaches node details to /health
func (ms *MonitoringServer) SetHealthProvider(provider HealthProvider) {
	ms.healthMu.Lock()
	defer ms.healthMu.Unlock()
	ms.health = provider
}

// parsePortList parses a comma-separated list of ports
func parsePortList(portList string) []string {
	if portList == "" {
		return []string{}
	}
	ports := strings.Split(portList, ",")
	result := make([]string, 0, len(ports))
	for _, port := range ports {
		port = strings.TrimSpace(port)
		if port != "" {
			result = append(result, port)
		}
	}
	return result
}

// Handler returns the monitoring mux, also used by tests
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", ms.count(pprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", ms.count(pprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", ms.count(pprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", ms.count(pprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", ms.count(pprof.Trace))

	mux.HandleFunc("/stats/resources", ms.count(ms.handleResourceStats))
	mux.HandleFunc("/health", ms.count(ms.handleHealth))
	mux.Handle("/metrics", promhttp.HandlerFor(ms.registry, promhttp.HandlerOpts{}))

	return mux
}

func (ms *MonitoringServer) count(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&ms.requestCount, 1)
		h(w, r)
	}
}

func (ms *MonitoringServer) Start() error {
	primary := ms.config.GetConfigWithDefault("monitoring_port", "30081")
	ports := append([]string{primary}, parsePortList(ms.config.GetConfigWithDefault("monitoring_fallback_ports", ""))...)

	ms.logger.Info(fmt.Sprintf("Starting monitoring server on port %s", primary), "monitoring")

	var err error
	for i, port := range ports {
		ms.listener, err = net.Listen("tcp", "127.0.0.1:"+port)
		if err != nil {
			if i < len(ports)-1 {
				ms.logger.Warn(fmt.Sprintf("monitoring port %s unavailable, trying next port: %v", port, err), "monitoring")
				continue
			}
			ms.logger.Error(fmt.Sprintf("All monitoring ports failed, last error: %v", err), "monitoring")
			return fmt.Errorf("failed to bind to any monitoring port: %v", err)
		}

		ms.port = port
		ms.logger.Info(fmt.Sprintf("Monitoring endpoints /health, /metrics, /stats/resources, /debug/pprof/ on port %s", port), "monitoring")
		break
	}

	ms.server = &http.Server{
		Handler:      ms.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // pprof profiles run for 30s by default
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		if err := ms.server.Serve(ms.listener); err != nil && err != http.ErrServerClosed {
			ms.logger.Error(fmt.Sprintf("Monitoring server error: %v", err), "monitoring")
			atomic.AddInt64(&ms.errorCount, 1)
		}
	}()

	return nil
}

func (ms *MonitoringServer) Stop() error {
	ms.logger.Info("Stopping monitoring server...", "monitoring")
	ms.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ms.server != nil {
		if err := ms.server.Shutdown(ctx); err != nil {
			ms.logger.Warn(fmt.Sprintf("Error shutting down monitoring server: %v", err), "monitoring")
			return err
		}
	}

	ms.logger.Info("Monitoring server stopped successfully", "monitoring")
	return nil
}

func (ms *MonitoringServer) GetPort() string {
	return ms.port
}

func (ms *MonitoringServer) handleResourceStats(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := ResourceStats{
		Timestamp:       time.Now().Format(time.RFC3339),
		Goroutines:      runtime.NumGoroutine(),
		HeapAllocBytes:  memStats.HeapAlloc,
		HeapInuseBytes:  memStats.HeapInuse,
		HeapSysBytes:    memStats.HeapSys,
		HeapObjects:     memStats.HeapObjects,
		StackInuseBytes: memStats.StackInuse,
		NextGC:          memStats.NextGC,
		LastGC:          time.Unix(0, int64(memStats.LastGC)).Format(time.RFC3339),
		NumGC:           memStats.NumGC,
		GCCPUFraction:   memStats.GCCPUFraction,
		UptimeSeconds:   int64(time.Since(ms.startTime).Seconds()),
		RequestCount:    atomic.LoadInt64(&ms.requestCount),
		ErrorCount:      atomic.LoadInt64(&ms.errorCount),
	}

	ms.writeJSON(w, stats)
}

func (ms *MonitoringServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:    "ok",
		Uptime:    time.Since(ms.startTime).String(),
		Port:      ms.port,
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   ms.config.GetConfigWithDefault("version", "relay-dm-v1"),
	}

	ms.healthMu.RLock()
	provider := ms.health
	ms.healthMu.RUnlock()

	if provider != nil {
		health.Details = provider()
		if online, ok := health.Details["online"].(bool); ok && !online {
			health.Status = "degraded"
		}
	}

	ms.writeJSON(w, health)
}

func (ms *MonitoringServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		atomic.AddInt64(&ms.errorCount, 1)
		ms.logger.Error(fmt.Sprintf("Failed to encode monitoring response: %v", err), "monitoring")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
