// Package bus is the controller's message-bus client: an ordering-preserving
// producer for the per-tenant config topic, a consumer loop routing the
// monitoring topic to callbacks, and the command builders agents understand.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AgentStatus is the normalized health reported in heartbeats.
type AgentStatus string

const (
	AgentHealthy  AgentStatus = "HEALTHY"
	AgentDegraded AgentStatus = "DEGRADED"
)

// Heartbeat is a parsed agentHealth/heartbeat message.
type Heartbeat struct {
	AgentID      string
	Status       AgentStatus
	Pop          string
	Router       string
	Capabilities []string
	Interfaces   []string
	At           time.Time
}

// Telemetry is a parsed QoT telemetry sample. Optical readings are pointers
// because agents report only what their hardware exposes.
type Telemetry struct {
	AgentID      string
	ConnectionID string
	OSNR         *float64
	PreFECBER    *float64
	PostFECBER   *float64
	TxPower      *float64
	RxPower      *float64
	Temperature  *float64
	Frequency    *float64
	At           time.Time
}

// Ack is a parsed commandAck message.
type Ack struct {
	CommandID string
	AgentID   string
	Status    string
}

// envelope is the loose on-wire shape: a type tag, flat fields, and an
// optional nested payload that older agents use for the same fields.
type envelope struct {
	Type         string          `json:"type"`
	AgentID      string          `json:"agent_id"`
	ConnectionID string          `json:"connection_id"`
	CommandID    string          `json:"command_id"`
	Status       string          `json:"status"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`

	Pop          string   `json:"pop_id"`
	Router       string   `json:"router_id"`
	Capabilities []string `json:"capabilities"`
	Interfaces   []string `json:"interfaces"`

	OSNR        *float64 `json:"osnr"`
	PreFECBER   *float64 `json:"pre_fec_ber"`
	PostFECBER  *float64 `json:"post_fec_ber"`
	TxPower     *float64 `json:"tx_power"`
	RxPower     *float64 `json:"rx_power"`
	Temperature *float64 `json:"temperature"`
	Frequency   *float64 `json:"frequency"`
}

// merge folds a nested payload's fields over the flat ones. Flat fields win
// when both are present.
func (e *envelope) merge() error {
	if len(e.Payload) == 0 {
		return nil
	}
	var inner envelope
	if err := json.Unmarshal(e.Payload, &inner); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	if e.Pop == "" {
		e.Pop = inner.Pop
	}
	if e.Router == "" {
		e.Router = inner.Router
	}
	if e.Capabilities == nil {
		e.Capabilities = inner.Capabilities
	}
	if e.Interfaces == nil {
		e.Interfaces = inner.Interfaces
	}
	if e.ConnectionID == "" {
		e.ConnectionID = inner.ConnectionID
	}
	if e.CommandID == "" {
		e.CommandID = inner.CommandID
	}
	if e.Status == "" {
		e.Status = inner.Status
	}
	if e.OSNR == nil {
		e.OSNR = inner.OSNR
	}
	if e.PreFECBER == nil {
		e.PreFECBER = inner.PreFECBER
	}
	if e.PostFECBER == nil {
		e.PostFECBER = inner.PostFECBER
	}
	if e.TxPower == nil {
		e.TxPower = inner.TxPower
	}
	if e.RxPower == nil {
		e.RxPower = inner.RxPower
	}
	if e.Temperature == nil {
		e.Temperature = inner.Temperature
	}
	if e.Frequency == nil {
		e.Frequency = inner.Frequency
	}
	return nil
}

// at parses the message timestamp, accepting a unix epoch (integer or
// fractional seconds) or an RFC3339 string. Missing or unparseable
// timestamps yield the provided fallback.
func (e *envelope) at(fallback time.Time) time.Time {
	if len(e.Timestamp) == 0 {
		return fallback
	}
	var epoch float64
	if err := json.Unmarshal(e.Timestamp, &epoch); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	var raw string
	if err := json.Unmarshal(e.Timestamp, &raw); err == nil {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return fallback
}

// normalizeStatus maps the free-form agent status onto the two levels the
// registry tracks.
func normalizeStatus(raw string) AgentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "healthy", "ok", "up":
		return AgentHealthy
	default:
		return AgentDegraded
	}
}

type messageKind int

const (
	kindUnknown messageKind = iota
	kindHeartbeat
	kindTelemetry
	kindAck
)

// classify routes a type tag, case-insensitively.
func classify(tag string) messageKind {
	switch strings.ToLower(tag) {
	case "agenthealth", "heartbeat":
		return kindHeartbeat
	case "telemetry", "qottelemetry":
		return kindTelemetry
	case "commandack":
		return kindAck
	default:
		return kindUnknown
	}
}
