package obs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// histogramData accumulates sum/count for a Prometheus-style histogram
// exposed without buckets, matching the teacher's own
// internal/metrics/prometheus.go shape (sum+count only, no bucket
// boundaries configured upstream).
type histogramData struct {
	sum   float64
	count int64
}

type messageKey struct {
	protocol string
	status   string
}

// Collector is the hand-rolled Prometheus-text Reporter, grounded on the
// teacher's internal/metrics.Collector: one RWMutex guarding plain Go maps,
// a deterministic sorted Expose().
type Collector struct {
	mu sync.RWMutex

	messagesTotal         map[messageKey]int64
	transmissionLatency   map[string]*histogramData
	bytesTransmittedTotal map[string]int64
	dbQueriesTotal        map[string]int64
	dbQueryDuration       map[string]*histogramData
	cacheHitsTotal        map[string]int64
	cacheMissesTotal      map[string]int64
	circuitBreakerTrips   map[string]int64

	transmissionLoopDuration histogramData
	deviceMonitorDuration    histogramData

	activeDevices           atomic.Int64
	activeConnections       atomic.Int64
	concurrentTransmissions atomic.Int64
	hostCPUPercent          atomic.Int64 // stored *1000
	hostMemPercent          atomic.Int64

	nowFunc func() time.Time
}

// NewCollector builds an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		messagesTotal:         make(map[messageKey]int64),
		transmissionLatency:   make(map[string]*histogramData),
		bytesTransmittedTotal: make(map[string]int64),
		dbQueriesTotal:        make(map[string]int64),
		dbQueryDuration:       make(map[string]*histogramData),
		cacheHitsTotal:        make(map[string]int64),
		cacheMissesTotal:      make(map[string]int64),
		circuitBreakerTrips:   make(map[string]int64),
		nowFunc:               time.Now,
	}
}

func (c *Collector) RecordMessage(protocol, status string, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesTotal[messageKey{protocol: protocol, status: status}]++
	c.bytesTransmittedTotal[protocol] += int64(bytes)
}

func (c *Collector) RecordTransmissionLatency(protocol string, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.transmissionLatency[protocol]
	if h == nil {
		h = &histogramData{}
		c.transmissionLatency[protocol] = h
	}
	h.sum += seconds
	h.count++
}

func (c *Collector) SetActiveDevices(n int64)           { c.activeDevices.Store(n) }
func (c *Collector) SetActiveConnections(n int64)       { c.activeConnections.Store(n) }
func (c *Collector) SetConcurrentTransmissions(n int64) { c.concurrentTransmissions.Store(n) }

func (c *Collector) RecordTransmissionLoopDuration(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transmissionLoopDuration.sum += seconds
	c.transmissionLoopDuration.count++
}

func (c *Collector) RecordDeviceMonitorDuration(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceMonitorDuration.sum += seconds
	c.deviceMonitorDuration.count++
}

func (c *Collector) RecordDBQuery(operation string, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dbQueriesTotal[operation]++
	h := c.dbQueryDuration[operation]
	if h == nil {
		h = &histogramData{}
		c.dbQueryDuration[operation] = h
	}
	h.sum += seconds
	h.count++
}

func (c *Collector) RecordCacheHit(cacheType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHitsTotal[cacheType]++
}

func (c *Collector) RecordCacheMiss(cacheType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheMissesTotal[cacheType]++
}

func (c *Collector) RecordCircuitBreakerTrip(connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuitBreakerTrips[connectionID]++
}

func (c *Collector) SetHostStats(cpuPercent, memPercent float64) {
	c.hostCPUPercent.Store(int64(cpuPercent * 1000))
	c.hostMemPercent.Store(int64(memPercent * 1000))
}

// Expose renders every metric in Prometheus text exposition format.
func (c *Collector) Expose() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	ts := c.nowFunc().UnixMilli()

	c.writeMessagesTotal(&sb, ts)
	c.writeTransmissionLatency(&sb, ts)
	c.writeBytesTransmittedTotal(&sb, ts)
	c.writeGauge(&sb, ts, "active_devices", "Number of devices currently tracked", c.activeDevices.Load())
	c.writeGauge(&sb, ts, "active_connections", "Number of live connection pool entries", c.activeConnections.Load())
	c.writeGauge(&sb, ts, "concurrent_transmissions", "Number of in-flight dispatches", c.concurrentTransmissions.Load())
	c.writeScaledGauge(&sb, ts, "host_cpu_percent", "Host CPU utilization percent", c.hostCPUPercent.Load(), 1000)
	c.writeScaledGauge(&sb, ts, "host_mem_percent", "Host memory utilization percent", c.hostMemPercent.Load(), 1000)
	c.writeHistogram(&sb, ts, "transmission_loop_duration_seconds", "Duration of one scheduler tick", nil, &c.transmissionLoopDuration)
	c.writeHistogram(&sb, ts, "device_monitor_duration_seconds", "Duration of one device monitor pass", nil, &c.deviceMonitorDuration)
	c.writeDBQueriesTotal(&sb, ts)
	c.writeDBQueryDuration(&sb, ts)
	c.writeCacheCounter(&sb, ts, "cache_hits_total", "Total cache hits", c.cacheHitsTotal)
	c.writeCacheCounter(&sb, ts, "cache_misses_total", "Total cache misses", c.cacheMissesTotal)
	c.writeCircuitBreakerTrips(&sb, ts)

	return sb.String()
}

func (c *Collector) writeMessagesTotal(sb *strings.Builder, ts int64) {
	sb.WriteString("# HELP messages_total Total transmission attempts\n")
	sb.WriteString("# TYPE messages_total counter\n")
	keys := make([]messageKey, 0, len(c.messagesTotal))
	for k := range c.messagesTotal {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].protocol != keys[j].protocol {
			return keys[i].protocol < keys[j].protocol
		}
		return keys[i].status < keys[j].status
	})
	for _, k := range keys {
		fmt.Fprintf(sb, "messages_total{protocol=%q,status=%q} %d %d\n", k.protocol, k.status, c.messagesTotal[k], ts)
	}
}

func (c *Collector) writeTransmissionLatency(sb *strings.Builder, ts int64) {
	sb.WriteString("# HELP transmission_latency_seconds Publish latency in seconds\n")
	sb.WriteString("# TYPE transmission_latency_seconds histogram\n")
	for _, protocol := range sortedKeys(c.transmissionLatency) {
		h := c.transmissionLatency[protocol]
		fmt.Fprintf(sb, "transmission_latency_seconds_sum{protocol=%q} %.6f %d\n", protocol, h.sum, ts)
		fmt.Fprintf(sb, "transmission_latency_seconds_count{protocol=%q} %d %d\n", protocol, h.count, ts)
	}
}

func (c *Collector) writeBytesTransmittedTotal(sb *strings.Builder, ts int64) {
	sb.WriteString("# HELP bytes_transmitted_total Total payload bytes transmitted\n")
	sb.WriteString("# TYPE bytes_transmitted_total counter\n")
	keys := make([]string, 0, len(c.bytesTransmittedTotal))
	for k := range c.bytesTransmittedTotal {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, protocol := range keys {
		fmt.Fprintf(sb, "bytes_transmitted_total{protocol=%q} %d %d\n", protocol, c.bytesTransmittedTotal[protocol], ts)
	}
}

func (c *Collector) writeGauge(sb *strings.Builder, ts int64, name, help string, value int64) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d %d\n", name, help, name, name, value, ts)
}

func (c *Collector) writeScaledGauge(sb *strings.Builder, ts int64, name, help string, scaled int64, scale int64) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s gauge\n%s %.3f %d\n", name, help, name, name, float64(scaled)/float64(scale), ts)
}

func (c *Collector) writeHistogram(sb *strings.Builder, ts int64, name, help string, labels map[string]string, h *histogramData) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s histogram\n", name, help, name)
	fmt.Fprintf(sb, "%s_sum %.6f %d\n", name, h.sum, ts)
	fmt.Fprintf(sb, "%s_count %d %d\n", name, h.count, ts)
}

func (c *Collector) writeDBQueriesTotal(sb *strings.Builder, ts int64) {
	sb.WriteString("# HELP db_queries_total Total metadata store queries\n")
	sb.WriteString("# TYPE db_queries_total counter\n")
	for _, op := range sortedKeysInt(c.dbQueriesTotal) {
		fmt.Fprintf(sb, "db_queries_total{operation=%q} %d %d\n", op, c.dbQueriesTotal[op], ts)
	}
}

func (c *Collector) writeDBQueryDuration(sb *strings.Builder, ts int64) {
	sb.WriteString("# HELP db_query_duration_seconds Metadata store query duration in seconds\n")
	sb.WriteString("# TYPE db_query_duration_seconds histogram\n")
	for _, op := range sortedKeys(c.dbQueryDuration) {
		h := c.dbQueryDuration[op]
		fmt.Fprintf(sb, "db_query_duration_seconds_sum{operation=%q} %.6f %d\n", op, h.sum, ts)
		fmt.Fprintf(sb, "db_query_duration_seconds_count{operation=%q} %d %d\n", op, h.count, ts)
	}
}

func (c *Collector) writeCacheCounter(sb *strings.Builder, ts int64, name, help string, data map[string]int64) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, cacheType := range sortedKeysInt(data) {
		fmt.Fprintf(sb, "%s{cache_type=%q} %d %d\n", name, cacheType, data[cacheType], ts)
	}
}

func (c *Collector) writeCircuitBreakerTrips(sb *strings.Builder, ts int64) {
	sb.WriteString("# HELP circuit_breaker_trips_total Total circuit breaker trips to open\n")
	sb.WriteString("# TYPE circuit_breaker_trips_total counter\n")
	for _, connectionID := range sortedKeysInt(c.circuitBreakerTrips) {
		fmt.Fprintf(sb, "circuit_breaker_trips_total{connection_id=%q} %d %d\n", connectionID, c.circuitBreakerTrips[connectionID], ts)
	}
}

func sortedKeys(m map[string]*histogramData) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysInt(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset clears all collected metrics, used between test cases.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesTotal = make(map[messageKey]int64)
	c.transmissionLatency = make(map[string]*histogramData)
	c.bytesTransmittedTotal = make(map[string]int64)
	c.dbQueriesTotal = make(map[string]int64)
	c.dbQueryDuration = make(map[string]*histogramData)
	c.cacheHitsTotal = make(map[string]int64)
	c.cacheMissesTotal = make(map[string]int64)
	c.circuitBreakerTrips = make(map[string]int64)
	c.transmissionLoopDuration = histogramData{}
	c.deviceMonitorDuration = histogramData{}
	c.activeDevices.Store(0)
	c.activeConnections.Store(0)
	c.concurrentTransmissions.Store(0)
	c.hostCPUPercent.Store(0)
	c.hostMemPercent.Store(0)
}
