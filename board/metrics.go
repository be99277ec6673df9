/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package board

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsEvicted    prometheus.Counter
	ActiveConnections  prometheus.Gauge
	PointsTotal        prometheus.Counter
	ChatMessagesTotal  prometheus.Counter
	DroppedSubscribers prometheus.Counter
	AuthFailures       prometheus.Counter
}

// NewMetrics registers the board collectors with reg. A nil reg creates
// unregistered collectors, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "dynamicboard_active_sessions",
			Help: "Current number of live board sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "dynamicboard_sessions_created_total",
			Help: "Total number of board sessions created",
		}),
		SessionsEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "dynamicboard_sessions_evicted_total",
			Help: "Total number of board sessions removed for inactivity",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "dynamicboard_active_connections",
			Help: "Current number of attached connections",
		}),
		PointsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dynamicboard_points_total",
			Help: "Total number of stroke points stored",
		}),
		ChatMessagesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dynamicboard_chat_messages_total",
			Help: "Total number of chat messages broadcast",
		}),
		DroppedSubscribers: f.NewCounter(prometheus.CounterOpts{
			Name: "dynamicboard_dropped_subscribers_total",
			Help: "Total number of subscribers dropped for falling behind",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dynamicboard_auth_failures_total",
			Help: "Total number of rejected connection credentials",
		}),
	}
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionRemoved(evicted bool) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	if evicted {
		m.SessionsEvicted.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) RecordPoints(n int) {
	if m == nil {
		return
	}
	m.PointsTotal.Add(float64(n))
}

func (m *Metrics) RecordChat() {
	if m == nil {
		return
	}
	m.ChatMessagesTotal.Inc()
}

func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.DroppedSubscribers.Inc()
}

func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}
