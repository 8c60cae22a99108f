package alerts

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert & Webhook System
//
// Structured operational alerts for the escrow server. Alerts are:
//  1. Pushed to registered webhook endpoints (Discord, Slack, SIEM)
//  2. Stored in memory for the admin recent-history endpoint
//
// Severity-keyed rate limiting prevents webhook floods: recurring alerts
// (stuck lobby, low gas) re-fire at most once per key per window.

// Severity levels, ordered.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Alert is one structured operational event.
type Alert struct {
	ID          uuid.UUID      `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Severity    string         `json:"severity"`
	Category    string         `json:"category"` // payout_failed/refund_exhausted/stuck_lobby/low_gas/match_recovered/...
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Endpoint is a registered webhook receiver.
type Endpoint struct {
	URL         string
	MinSeverity string
}

// Manager handles alert emission and webhook delivery.
type Manager struct {
	mu         sync.RWMutex
	endpoints  []Endpoint
	recent     []Alert
	maxHistory int
	lastByKey  map[string]time.Time
	httpClient *http.Client
}

// NewManager creates an alert manager with the given webhook URLs, all at
// minimum severity info.
func NewManager(webhookURLs []string) *Manager {
	m := &Manager{
		maxHistory: 1000,
		lastByKey:  make(map[string]time.Time),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, u := range webhookURLs {
		if u != "" {
			m.endpoints = append(m.endpoints, Endpoint{URL: u, MinSeverity: SeverityInfo})
		}
	}
	return m
}

// Emit distributes an alert to history and webhooks.
func (m *Manager) Emit(severity, category, title, description string, fields map[string]any) {
	alert := Alert{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC(),
		Severity:    severity,
		Category:    category,
		Title:       title,
		Description: description,
		Fields:      fields,
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > m.maxHistory {
		m.recent = m.recent[len(m.recent)-m.maxHistory:]
	}
	endpoints := make([]Endpoint, len(m.endpoints))
	copy(endpoints, m.endpoints)
	m.mu.Unlock()

	log.Printf("[Alerts] %s/%s: %s - %s", severity, category, title, description)

	for _, ep := range endpoints {
		if severityRank[severity] < severityRank[ep.MinSeverity] {
			continue
		}
		go m.deliver(ep, alert)
	}
}

// EmitRateLimited emits at most once per key per window. Used for the
// daily stuck-lobby and low-gas re-alerts.
func (m *Manager) EmitRateLimited(key string, window time.Duration, severity, category, title, description string, fields map[string]any) bool {
	m.mu.Lock()
	if last, ok := m.lastByKey[key]; ok && time.Since(last) < window {
		m.mu.Unlock()
		return false
	}
	m.lastByKey[key] = time.Now()
	m.mu.Unlock()

	m.Emit(severity, category, title, description, fields)
	return true
}

// Recent returns a copy of the alert history, newest last.
func (m *Manager) Recent() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.recent))
	copy(out, m.recent)
	return out
}

// deliver posts a Discord/Slack-compatible payload to one endpoint.
func (m *Manager) deliver(ep Endpoint, alert Alert) {
	payload := map[string]any{
		"content": "[" + alert.Severity + "] " + alert.Title,
		"embeds": []map[string]any{{
			"title":       alert.Title,
			"description": alert.Description,
			"fields":      embedFields(alert.Fields),
			"footer":      map[string]any{"text": alert.Category + " · " + alert.ID.String()},
			"timestamp":   alert.Timestamp.Format(time.RFC3339),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Alerts] marshal webhook payload: %v", err)
		return
	}

	resp, err := m.httpClient.Post(ep.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Alerts] webhook delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[Alerts] webhook returned %d", resp.StatusCode)
	}
}

func embedFields(fields map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(fields))
	for k, v := range fields {
		out = append(out, map[string]any{"name": k, "value": v, "inline": true})
	}
	return out
}
