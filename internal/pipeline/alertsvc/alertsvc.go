// Package alertsvc implements the alert service (C8): rule-driven alert
// evaluation with aggregation keys and dedup windows, plus email and
// Slack dispatch sinks. Grounded on original_source's
// backend/services/alert_service.py for rule thresholds and aggregation
// semantics.
package alertsvc

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/document-pipeline-core/infrastructure/resilience"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/metricssvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/pipelineerr"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store"
)

// httpPostStatus is the default Slack webhook poster, split out from
// SlackSink.Send so tests can substitute a fake.
func httpPostStatus(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// ErrorEvent is the input to QueueAlert — one classified error record
// flowing out of C3/C9.
type ErrorEvent struct {
	ErrorType string
	Stage     string
	Severity  string
	Message   string
}

// DefaultRules is the single source of truth for built-in alert rules —
// resolving the open question on rule precedence: the DB rule table,
// when present and non-empty, overrides this set entirely rather than
// merging with it.
func DefaultRules() []store.AlertRule {
	return []store.AlertRule{
		{ID: "default-processing-failure-rate", Name: "processing_failure_rate", MetricKey: "success_rate",
			ThresholdOperator: "lt", Threshold: 90, Severity: "critical", AggregationWindowMinutes: 15, Enabled: true},
		{ID: "default-queue-overflow", Name: "queue_overflow", MetricKey: "depth",
			ThresholdOperator: "gt", Threshold: 100, Severity: "warning", AggregationWindowMinutes: 15, Enabled: true},
		{ID: "default-cpu-high", Name: "cpu_high", MetricKey: "cpu_percent",
			ThresholdOperator: "gt", Threshold: 90, Severity: "critical", AggregationWindowMinutes: 15, Enabled: true},
		{ID: "default-ram-high", Name: "ram_high", MetricKey: "memory_percent",
			ThresholdOperator: "gt", Threshold: 90, Severity: "critical", AggregationWindowMinutes: 15, Enabled: true},
		{ID: "default-duplicate-rate", Name: "duplicate_rate", MetricKey: "duplicate_count",
			ThresholdOperator: "gt", Threshold: 50, Severity: "warning", AggregationWindowMinutes: 15, Enabled: true},
		{ID: "default-validation-errors", Name: "validation_errors", MetricKey: "validation_errors",
			ThresholdOperator: "gt", Threshold: 20, Severity: "warning", AggregationWindowMinutes: 15, Enabled: true},
	}
}

// SMTPSink dispatches alert notifications via email.
type SMTPSink struct {
	Host, Port, Username, Password, From string
	UseTLS                                bool
}

func (s SMTPSink) Send(subject, body string, to []string) error {
	if s.Host == "" || len(to) == 0 {
		return nil
	}
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", s.From, strings.Join(to, ","), subject, body)

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	if !s.UseTLS {
		return smtp.SendMail(addr, auth, s.From, to, []byte(msg))
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.Host})
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(s.From); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write([]byte(msg))
	return err
}

// SlackSink dispatches alert notifications to a Slack incoming webhook,
// retrying 429s with bounded exponential backoff via
// infrastructure/resilience.Retry — the one place the teacher's generic
// retry, as opposed to C3's pipeline-specific retry, is the right fit: an
// outbound HTTP sink retry, not a stage-processing retry.
type SlackSink struct {
	WebhookURL     string
	MaxRetries     int
	TimeoutSeconds int
	post           func(ctx context.Context, url string, body []byte) (status int, err error)
}

// NewSlackSink wires the default net/http poster.
func NewSlackSink(webhookURL string, maxRetries, timeoutSeconds int) *SlackSink {
	return &SlackSink{WebhookURL: webhookURL, MaxRetries: maxRetries, TimeoutSeconds: timeoutSeconds, post: httpPostStatus}
}

func (s *SlackSink) Send(ctx context.Context, text string) error {
	if s.WebhookURL == "" {
		return nil
	}
	body := fmt.Sprintf(`{"text":%q}`, text)

	cfg := resilience.RetryConfig{
		MaxAttempts:  s.MaxRetries,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
	return resilience.Retry(ctx, cfg, func() error {
		status, err := s.post(ctx, s.WebhookURL, []byte(body))
		if err != nil {
			return retryableErr{err}
		}
		if status == 429 {
			return retryableErr{fmt.Errorf("slack webhook rate limited")}
		}
		if status >= 300 {
			return fmt.Errorf("slack webhook returned status %d", status)
		}
		return nil
	})
}

// retryableErr marks an error as worth retrying for
// infrastructure/resilience.Retry — which retries on every returned
// error, so this exists purely to keep the intent readable at call sites.
type retryableErr struct{ err error }

func (r retryableErr) Error() string { return r.err.Error() }
func (r retryableErr) Unwrap() error { return r.err }

// Service evaluates alert rules against current metrics and dispatches
// notifications for new/escalated alerts.
type Service struct {
	db      store.AlertStore
	metrics *metricssvc.Service
	smtp    *SMTPSink
	slack   *SlackSink

	mu          sync.Mutex
	rulesCached []store.AlertRule
	rulesAt     time.Time
	active      map[string]string // rule ID -> alert ID
}

// New returns a Service.
func New(db store.AlertStore, metrics *metricssvc.Service, smtp *SMTPSink, slack *SlackSink) *Service {
	return &Service{db: db, metrics: metrics, smtp: smtp, slack: slack, active: make(map[string]string)}
}

// LoadRules reads rules from the store with a 60s cache, falling back to
// DefaultRules() when the table is empty.
func (s *Service) LoadRules(ctx context.Context) ([]store.AlertRule, error) {
	s.mu.Lock()
	if time.Since(s.rulesAt) < 60*time.Second && s.rulesCached != nil {
		cached := s.rulesCached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	rules, err := s.db.ListAlertRules(ctx)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	s.mu.Lock()
	s.rulesCached = rules
	s.rulesAt = time.Now()
	s.mu.Unlock()
	return rules, nil
}

func resolveMetric(ctx context.Context, m *metricssvc.Service, key string) float64 {
	switch key {
	case "success_rate":
		return m.GetPipelineMetrics(ctx).SuccessRate
	case "depth":
		return float64(m.GetQueueMetrics(ctx).Depth)
	case "cpu_percent":
		return m.GetHardwareMetrics(ctx).CPUPercent
	case "memory_percent":
		return m.GetHardwareMetrics(ctx).MemoryPercent
	case "duplicate_count":
		return float64(m.GetDataQualityMetrics(ctx).DuplicateCount)
	case "validation_errors":
		return float64(m.GetDataQualityMetrics(ctx).ValidationErrors)
	default:
		return 0
	}
}

func breaches(operator string, value, threshold float64) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "lt":
		return value < threshold
	case "gte":
		return value >= threshold
	case "lte":
		return value <= threshold
	default:
		return false
	}
}

// EvaluateAlerts pulls current metrics and raises/resolves alerts for
// each rule.
func (s *Service) EvaluateAlerts(ctx context.Context) error {
	rules, err := s.LoadRules(ctx)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		value := resolveMetric(ctx, s.metrics, r.MetricKey)
		breach := breaches(r.ThresholdOperator, value, r.Threshold)

		s.mu.Lock()
		alertID, active := s.active[r.ID]
		s.mu.Unlock()

		if breach && !active {
			instance := &store.AlertInstance{
				RuleID:          r.ID,
				AggregationKey:  r.Name + ":" + r.MetricKey,
				Severity:        r.Severity,
				Message:         fmt.Sprintf("%s breached threshold: %.2f %s %.2f", r.Name, value, r.ThresholdOperator, r.Threshold),
				FirstOccurrence: time.Now(),
				LastOccurrence:  time.Now(),
				AggregationCount: 1,
			}
			if err := s.db.UpsertAlertInstance(ctx, instance); err != nil {
				return err
			}
			s.mu.Lock()
			s.active[r.ID] = instance.ID
			s.mu.Unlock()
			s.dispatch(ctx, instance)
		} else if !breach && active {
			s.mu.Lock()
			delete(s.active, r.ID)
			s.mu.Unlock()
			_ = alertID
		}
	}
	return nil
}

// dispatch notifies the configured sinks. The SMTP sink is called with no
// recipients (rules carry none), so it sends no email; only the Slack
// sink delivers.
func (s *Service) dispatch(ctx context.Context, a *store.AlertInstance) {
	if s.smtp != nil {
		_ = s.smtp.Send("pipeline alert: "+a.Message, a.Message, nil)
	}
	if s.slack != nil {
		_ = s.slack.Send(ctx, a.Message)
	}
}

// QueueAlert matches an ErrorEvent against rules by error type and stage
// (the event's Severity is not compared against the rule), computes the
// aggregation key rule_name:error_type:stage,
// and within the rule's aggregation window either bumps an existing
// active row or inserts a new one.
func (s *Service) QueueAlert(ctx context.Context, ev ErrorEvent) (string, error) {
	rules, err := s.LoadRules(ctx)
	if err != nil {
		return "", err
	}

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if !matchesErrorType(r, ev.ErrorType) || !matchesStage(r, ev.Stage) {
			continue
		}

		aggKey := fmt.Sprintf("%s:%s:%s", r.Name, ev.ErrorType, ev.Stage)
		window := time.Duration(r.AggregationWindowMinutes) * time.Minute
		if window <= 0 {
			window = 15 * time.Minute
		}

		existing, err := s.findActiveByAggKey(ctx, aggKey, window)
		if err != nil {
			return "", err
		}
		if existing != nil {
			existing.AggregationCount++
			existing.LastOccurrence = time.Now()
			if err := s.db.UpsertAlertInstance(ctx, existing); err != nil {
				return "", err
			}
			return existing.ID, nil
		}

		instance := &store.AlertInstance{
			RuleID:           r.ID,
			AggregationKey:   aggKey,
			AggregationCount: 1,
			Severity:         ev.Severity,
			Message:          ev.Message,
			FirstOccurrence:  time.Now(),
			LastOccurrence:   time.Now(),
		}
		if err := s.db.UpsertAlertInstance(ctx, instance); err != nil {
			return "", err
		}
		s.dispatch(ctx, instance)
		return instance.ID, nil
	}
	return "", nil
}

func matchesErrorType(r store.AlertRule, errorType string) bool {
	if len(r.ErrorTypes) == 0 {
		return true
	}
	for _, t := range r.ErrorTypes {
		if t == errorType {
			return true
		}
	}
	return false
}

func matchesStage(r store.AlertRule, stage string) bool {
	if len(r.Stages) == 0 {
		return true
	}
	for _, s := range r.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (s *Service) findActiveByAggKey(ctx context.Context, aggKey string, window time.Duration) (*store.AlertInstance, error) {
	alerts, err := s.db.ListActiveAlerts(ctx, nil)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	for i := range alerts {
		a := alerts[i]
		if a.AggregationKey == aggKey && a.LastOccurrence.After(cutoff) {
			return &a, nil
		}
	}
	return nil, nil
}

// AddRule, UpdateRule, DeleteRule, GetAlerts, Acknowledge, Dismiss are
// the alert-rule/instance management surface.

func (s *Service) AddRule(ctx context.Context, r store.AlertRule) error {
	return s.db.UpsertAlertRule(ctx, &r)
}

func (s *Service) UpdateRule(ctx context.Context, r store.AlertRule) error {
	return s.db.UpsertAlertRule(ctx, &r)
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.db.DeleteAlertRule(ctx, id)
}

func (s *Service) GetAlerts(ctx context.Context, filter map[string]string) ([]store.AlertInstance, error) {
	return s.db.ListActiveAlerts(ctx, filter)
}

func (s *Service) Acknowledge(ctx context.Context, id, _ string) error {
	alerts, err := s.db.ListActiveAlerts(ctx, nil)
	if err != nil {
		return err
	}
	for i := range alerts {
		if alerts[i].ID == id {
			alerts[i].Acknowledged = true
			return s.db.UpsertAlertInstance(ctx, &alerts[i])
		}
	}
	return pipelineerr.NotFound("alert", id)
}

func (s *Service) Dismiss(ctx context.Context, id string) error {
	alerts, err := s.db.ListActiveAlerts(ctx, nil)
	if err != nil {
		return err
	}
	for i := range alerts {
		if alerts[i].ID == id {
			alerts[i].Dismissed = true
			return s.db.UpsertAlertInstance(ctx, &alerts[i])
		}
	}
	return pipelineerr.NotFound("alert", id)
}
