package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

const sample = `
log:
  level: debug
redis:
  addr: localhost:6379
  view_ttl: 30s
scheduler:
  interval: 2m
  retention: 720h
cancel_roles: [ap_admin]
roles:
  finance_manager: [alice, bob]
  cfo: [carla]
workflows:
  - id: 1
    name: invoices above 10k
    object_type: invoice
    amount_min: 1000000
    amount_max: 100000000
    auto_approve_below: 1500000
    expiration_hours: 120
    escalation_enabled: true
    priority: 10
    condition: vendor_id == "V-42"
    steps:
      - roles: [finance_manager]
        max_delay_hours: 24
        escalate_to_roles: [cfo]
      - approvers: [carla, dan, erin]
        parallel: true
        quorum_count: 2
  - id: 2
    object_type: QUOTE
    amount_max: 500
    expiration_hours: 24
    active: false
    steps:
      - approvers: [sales_lead]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "approvals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Redis.ViewTTL)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.FirstRunDelay)
	assert.Equal(t, 720*time.Hour, cfg.Scheduler.Retention)
	assert.Equal(t, "notifications.approvals", cfg.NATS.SubjectPrefix)
	assert.Equal(t, []string{"ap_admin"}, cfg.CancelRoles)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Roles["finance_manager"])
	require.Len(t, cfg.Workflows, 2)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APPROVALS_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("APPROVALS_SCHEDULER_INTERVAL", "15s")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.Interval)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "scheduler:\n  interval: 0s\n"))
	assert.Error(t, err)
}

func TestDefinitions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	defs := cfg.Definitions()
	require.Len(t, defs, 2)

	inv := defs[0]
	assert.Equal(t, uint64(1), inv.ID)
	assert.Equal(t, types.ObjectInvoice, inv.ObjectType)
	assert.True(t, inv.Active)
	assert.True(t, inv.EscalationEnabled)
	require.NotNil(t, inv.AutoApproveBelow)
	assert.Equal(t, int64(1500000), *inv.AutoApproveBelow)
	assert.Equal(t, `vendor_id == "V-42"`, inv.Condition)
	require.Len(t, inv.Steps, 2)
	assert.Equal(t, 1, inv.Steps[0].Order)
	assert.Equal(t, []string{"finance_manager"}, inv.Steps[0].Roles)
	assert.Equal(t, []string{"cfo"}, inv.Steps[0].EscalateToRoles)
	assert.Equal(t, 2, inv.Steps[1].Order)
	assert.True(t, inv.Steps[1].Parallel)
	assert.Equal(t, 2, inv.Steps[1].QuorumCount)

	quote := defs[1]
	assert.False(t, quote.Active)
	assert.Nil(t, quote.AutoApproveBelow)
}

func TestRoleReferencesAreLowercased(t *testing.T) {
	def := WorkflowConfig{
		ID:         3,
		ObjectType: "credit_note",
		Steps: []StepConfig{
			{Roles: []string{"Finance_Manager"}, EscalateToRoles: []string{"CFO"}},
			{Approvers: []string{"Carla"}},
		},
	}.Definition()

	assert.Equal(t, types.ObjectCreditNote, def.ObjectType)
	assert.Equal(t, []string{"finance_manager"}, def.Steps[0].Roles)
	assert.Equal(t, []string{"cfo"}, def.Steps[0].EscalateToRoles)
	assert.Equal(t, []string{"Carla"}, def.Steps[1].Approvers, "user ids keep their case")
	assert.Nil(t, def.Steps[1].Roles)
}

func TestLogger(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	log, err := cfg.Logger(&buf)
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), `"service":"approvald"`)

	cfg.Log.Level = "loud"
	_, err = cfg.Logger(&buf)
	assert.Error(t, err)
}
