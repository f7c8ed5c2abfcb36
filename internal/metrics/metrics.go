package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lightwave_controller_build_info",
		Help: "Build information of the controller",
	}, []string{"version", "commit", "date"})

	ConnectionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightwave_controller_connections_created_total", Help: "Connections successfully created.",
	})
	ConnectionCreateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightwave_controller_connection_create_failures_total", Help: "Connection create failures by error code.",
	}, []string{"code"})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lightwave_controller_connections", Help: "Connections currently tracked in memory.",
	})
	Teardowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightwave_controller_teardowns_total", Help: "Completed connection teardowns.",
	})
	FSMRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightwave_controller_fsm_rejects_total", Help: "Rejected state transitions by event.",
	}, []string{"event"})

	BusSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightwave_controller_bus_sends_total", Help: "Command bus send outcomes by command type.",
	}, []string{"type", "result"})
	MonitoringMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightwave_controller_monitoring_messages_total", Help: "Monitoring stream messages by routed kind.",
	}, []string{"kind"})
	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightwave_controller_monitoring_malformed_total", Help: "Monitoring stream records that failed to parse.",
	})
	CallbackPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightwave_controller_callback_panics_total", Help: "Panics recovered in monitoring callbacks.",
	})

	AgentsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lightwave_controller_agents", Help: "Agents currently registered.",
	})
	AgentsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightwave_controller_agents_evicted_total", Help: "Agents evicted by the reaper.",
	})
	CommandAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightwave_controller_command_acks_total", Help: "Command acknowledgements by status.",
	}, []string{"status"})
	CommandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightwave_controller_commands_expired_total", Help: "Commands that never received an acknowledgement.",
	})

	Degradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightwave_controller_qot_degradations_total", Help: "QoT degradation transitions by level.",
	}, []string{"level"})
	Reconfigurations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightwave_controller_reconfigurations_total", Help: "Reconfiguration attempts by outcome.",
	}, []string{"result"})
	Recoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightwave_controller_qot_recoveries_total", Help: "Connections returned to normal by the recovery sweep.",
	})
	TelemetrySamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightwave_controller_qot_samples_total", Help: "Telemetry samples ingested.",
	})
)
