// Copyright 2022 The ssepush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventstream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver LifecycleObserver feeding Prometheus metrics from the
// lifecycle notification stream
type MetricsObserver struct {
	activeConnections prometheus.Gauge
	connectsTotal     prometheus.Counter
	disconnectsTotal  *prometheus.CounterVec
	broadcastsTotal   *prometheus.CounterVec
}

// GetMetricsObserver define a new MetricsObserver registered against the
// given Prometheus registerer
func GetMetricsObserver(registerer prometheus.Registerer) (*MetricsObserver, error) {
	instance := &MetricsObserver{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ssepush_active_connections",
			Help: "Number of currently open push connections.",
		}),
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ssepush_connections_opened_total",
			Help: "Total push connections registered.",
		}),
		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ssepush_connections_closed_total",
			Help: "Total push connections deregistered, by removal reason.",
		}, []string{"reason"}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ssepush_events_broadcast_total",
			Help: "Total broadcast calls, by event type.",
		}, []string{"event_type"}),
	}
	for _, collector := range []prometheus.Collector{
		instance.activeConnections,
		instance.connectsTotal,
		instance.disconnectsTotal,
		instance.broadcastsTotal,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

// ConnectionAdded a connection was registered
func (m *MetricsObserver) ConnectionAdded(subscriberID, connectionID string) {
	m.activeConnections.Inc()
	m.connectsTotal.Inc()
}

// ConnectionRemoved a connection was deregistered for the given reason
func (m *MetricsObserver) ConnectionRemoved(subscriberID, connectionID, reason string) {
	m.activeConnections.Dec()
	m.disconnectsTotal.WithLabelValues(reason).Inc()
}

// EventBroadcasted one Broadcast call completed its fan-out pass
func (m *MetricsObserver) EventBroadcasted(
	eventType string, targetSubscriber *string, timestamp time.Time,
) {
	m.broadcastsTotal.WithLabelValues(eventType).Inc()
}
