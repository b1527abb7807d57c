package alertsvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/metricssvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store/memory"
)

func TestLoadRulesFallsBackToDefaults(t *testing.T) {
	db := memory.New()
	svc := New(db, metricssvc.New(db), nil, nil)

	rules, err := svc.LoadRules(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, DefaultRules(), rules)
}

func TestLoadRulesUsesStoredRulesWhenPresent(t *testing.T) {
	db := memory.New()
	svc := New(db, metricssvc.New(db), nil, nil)

	custom := DefaultRules()[0]
	custom.ID = ""
	custom.Threshold = 42
	require.NoError(t, svc.AddRule(context.Background(), custom))

	rules, err := svc.LoadRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, float64(42), rules[0].Threshold)
}

func TestQueueAlertAggregatesWithinWindow(t *testing.T) {
	db := memory.New()
	svc := New(db, metricssvc.New(db), nil, nil)

	ev := ErrorEvent{ErrorType: "timeout", Stage: "text_extraction", Severity: "warning", Message: "boom"}

	id1, err := svc.QueueAlert(context.Background(), ev)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := svc.QueueAlert(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "second occurrence within the window should bump the same alert")

	alerts, err := svc.GetAlerts(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].AggregationCount)
}

func TestAcknowledgeAndDismiss(t *testing.T) {
	db := memory.New()
	svc := New(db, metricssvc.New(db), nil, nil)

	id, err := svc.QueueAlert(context.Background(), ErrorEvent{ErrorType: "x", Stage: "upload", Message: "m"})
	require.NoError(t, err)

	require.NoError(t, svc.Acknowledge(context.Background(), id, "operator"))
	require.NoError(t, svc.Dismiss(context.Background(), id))

	alerts, err := svc.GetAlerts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, alerts, "dismissed alerts are excluded from GetAlerts")
}

func TestEvaluateAlertsRaisesOnBreach(t *testing.T) {
	db := memory.New()
	svc := New(db, metricssvc.New(db), nil, nil)

	// With no stub RPC registered, ExecuteRPC errors and pipeline metrics
	// zero-value, which breaches the default "processing_failure_rate"
	// rule (success_rate < 90).
	require.NoError(t, svc.EvaluateAlerts(context.Background()))

	alerts, err := svc.GetAlerts(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, alerts)
}
