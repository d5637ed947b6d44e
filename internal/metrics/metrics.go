// Package metrics 汇总离线缓存层的 Prometheus 指标。所有方法对 nil 接收者安全，
// 调用方可以在未启用指标时直接传 nil。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pulson_offline"

// Metrics 持有私有 Registry，避免与进程内其他组件的默认注册表冲突。
type Metrics struct {
	registry *prometheus.Registry

	fetches   *prometheus.CounterVec
	events    *prometheus.CounterVec
	precached prometheus.Counter
	deleted   prometheus.Counter
}

// New 创建并注册全部指标，同时附带 Go runtime / process 采集器。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted fetches by strategy and response source.",
		}, []string{"strategy", "source"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Dispatched worker events by hook and result.",
		}, []string{"hook", "result"}),
		precached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_entries_total",
			Help:      "Manifest entries stored during install.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_generations_deleted_total",
			Help:      "Stale cache generations removed during activation.",
		}),
	}
	m.registry.MustRegister(
		m.fetches,
		m.events,
		m.precached,
		m.deleted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回用于 promhttp 暴露的注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveFetch 记录一次拦截请求的结果。
func (m *Metrics) ObserveFetch(strategy, source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(strategy, source).Inc()
}

// ObserveEvent 记录一次生命周期事件分发。
func (m *Metrics) ObserveEvent(hook string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(hook, result).Inc()
}

// AddPrecached 累加安装阶段写入的条目数。
func (m *Metrics) AddPrecached(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.precached.Add(float64(n))
}

// IncDeleted 记录一次过期缓存代删除。
func (m *Metrics) IncDeleted() {
	if m == nil {
		return
	}
	m.deleted.Inc()
}
