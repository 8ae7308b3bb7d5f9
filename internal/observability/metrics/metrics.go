// Package metrics collects counters, histograms and gauges for the user
// operation pipeline and exposes them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type rpcKey struct {
	chain  string
	method string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only land in the implicit +Inf bucket.
}

type collector struct {
	mu                sync.Mutex
	generationTotal   map[string]uint64
	generationSuccess map[string]uint64
	generationFailure map[string]uint64
	estimation        map[string]*histogram
	rpcCalls          map[rpcKey]uint64
	rpcFailed         map[rpcKey]uint64
	rpcDuration       map[rpcKey]*histogram
	cacheHits         map[string]uint64
	cacheMisses       map[string]uint64
	activeConnections map[string]int64
}

var defaultCollector = &collector{
	generationTotal:   make(map[string]uint64),
	generationSuccess: make(map[string]uint64),
	generationFailure: make(map[string]uint64),
	estimation:        make(map[string]*histogram),
	rpcCalls:          make(map[rpcKey]uint64),
	rpcFailed:         make(map[rpcKey]uint64),
	rpcDuration:       make(map[rpcKey]*histogram),
	cacheHits:         make(map[string]uint64),
	cacheMisses:       make(map[string]uint64),
	activeConnections: make(map[string]int64),
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// RecordGeneration counts one user operation generation attempt per chain.
func RecordGeneration(chainID uint64, success bool) {
	c := defaultCollector
	chain := chainLabel(chainID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generationTotal[chain]++
	if success {
		c.generationSuccess[chain]++
	} else {
		c.generationFailure[chain]++
	}
}

// ObserveEstimation records the wall-clock duration of one gas estimation.
func ObserveEstimation(chainID uint64, duration time.Duration) {
	c := defaultCollector
	chain := chainLabel(chainID)
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.estimation[chain]
	if hist == nil {
		hist = newHistogram()
		c.estimation[chain] = hist
	}
	hist.observe(duration.Seconds())
}

// RecordRPCCall counts one outbound RPC call and its duration.
func RecordRPCCall(chainID uint64, method string, success bool, duration time.Duration) {
	c := defaultCollector
	key := rpcKey{chain: chainLabel(chainID), method: method}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpcCalls[key]++
	if !success {
		c.rpcFailed[key]++
	}
	hist := c.rpcDuration[key]
	if hist == nil {
		hist = newHistogram()
		c.rpcDuration[key] = hist
	}
	hist.observe(duration.Seconds())
}

// RecordCacheHit counts a hit against the named logical cache.
func RecordCacheHit(name string) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits[name]++
}

// RecordCacheMiss counts a miss against the named logical cache.
func RecordCacheMiss(name string) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheMisses[name]++
}

// SetActiveConnections updates the live connection gauge for a chain.
func SetActiveConnections(chainID uint64, count int64) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeConnections[chainLabel(chainID)] = count
}

// CacheHits returns the current hit count for a logical cache name.
func CacheHits(name string) uint64 {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheHits[name]
}

// CacheMisses returns the current miss count for a logical cache name.
func CacheMisses(name string) uint64 {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheMisses[name]
}

// RPCCalls returns the call counter for a chain/method pair.
func RPCCalls(chainID uint64, method string) uint64 {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpcCalls[rpcKey{chain: chainLabel(chainID), method: method}]
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)

	writeCounter(&builder, "userop_generation_total", "Total user operation generation attempts.", "chain", c.generationTotal)
	writeCounter(&builder, "userop_generation_success", "User operation generations that produced an operation.", "chain", c.generationSuccess)
	writeCounter(&builder, "userop_generation_failure", "User operation generations that failed.", "chain", c.generationFailure)

	builder.WriteString("# HELP gas_estimation_duration_seconds Gas estimation duration in seconds.\n")
	builder.WriteString("# TYPE gas_estimation_duration_seconds histogram\n")
	for _, chain := range sortedKeys(c.estimation) {
		writeHistogram(&builder, "gas_estimation_duration_seconds", fmt.Sprintf("chain=%q", chain), c.estimation[chain])
	}

	writeRPCCounter(&builder, "rpc_calls_total", "Total outbound RPC calls.", c.rpcCalls)
	writeRPCCounter(&builder, "rpc_calls_failed", "Outbound RPC calls that returned an error.", c.rpcFailed)

	builder.WriteString("# HELP rpc_call_duration_seconds Outbound RPC call duration in seconds.\n")
	builder.WriteString("# TYPE rpc_call_duration_seconds histogram\n")
	rpcKeys := make([]rpcKey, 0, len(c.rpcDuration))
	for key := range c.rpcDuration {
		rpcKeys = append(rpcKeys, key)
	}
	sortRPCKeys(rpcKeys)
	for _, key := range rpcKeys {
		writeHistogram(&builder, "rpc_call_duration_seconds",
			fmt.Sprintf("chain=%q,method=%q", key.chain, escape(key.method)), c.rpcDuration[key])
	}

	writeCounter(&builder, "cache_hits_total", "Cache hits by logical cache name.", "type", c.cacheHits)
	writeCounter(&builder, "cache_misses_total", "Cache misses by logical cache name.", "type", c.cacheMisses)

	builder.WriteString("# HELP active_connections Live RPC connections by chain.\n")
	builder.WriteString("# TYPE active_connections gauge\n")
	for _, chain := range sortedKeys(c.activeConnections) {
		builder.WriteString(fmt.Sprintf("active_connections{chain=%q} %d\n", chain, c.activeConnections[chain]))
	}

	return builder.String()
}

func writeCounter(builder *strings.Builder, name, help, label string, values map[string]uint64) {
	builder.WriteString("# HELP " + name + " " + help + "\n")
	builder.WriteString("# TYPE " + name + " counter\n")
	for _, key := range sortedKeys(values) {
		builder.WriteString(fmt.Sprintf("%s{%s=%q} %d\n", name, label, escape(key), values[key]))
	}
}

func writeRPCCounter(builder *strings.Builder, name, help string, values map[rpcKey]uint64) {
	builder.WriteString("# HELP " + name + " " + help + "\n")
	builder.WriteString("# TYPE " + name + " counter\n")
	keys := make([]rpcKey, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sortRPCKeys(keys)
	for _, key := range keys {
		builder.WriteString(fmt.Sprintf("%s{chain=%q,method=%q} %d\n", name, key.chain, escape(key.method), values[key]))
	}
}

func writeHistogram(builder *strings.Builder, name, labels string, hist *histogram) {
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, hist.count))
	builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", name, labels, formatFloat(hist.sum)))
	builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", name, labels, hist.count))
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortRPCKeys(keys []rpcKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].chain == keys[j].chain {
			return keys[i].method < keys[j].method
		}
		return keys[i].chain < keys[j].chain
	})
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
