package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
)

var t0 = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func testPolicies() map[models.EntityType]Policy {
	return map[models.EntityType]Policy{
		models.EntityMedication: {
			Strategy:       models.StrategySafetyPriority,
			SafetyCritical: true,
			CriticalFields: []string{"dosage", "frequency", "route"},
		},
		models.EntityAppointment:  {Strategy: models.StrategyThreeWayMerge},
		models.EntityUserSettings: {Strategy: models.StrategyLocalPreference},
		models.EntitySystemConfig: {Strategy: models.StrategyServerPreference},
	}
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	audit, err := NewAuditLog(store.NewMemory(), 0)
	require.NoError(t, err)
	return NewResolver(audit,
		WithPolicies(testPolicies()),
		WithClock(func() time.Time { return t0.Add(time.Hour) }),
	)
}

func localEntity(id string, et models.EntityType, body string, version int64, at time.Time) *models.SyncEntity {
	return &models.SyncEntity{
		ID:             id,
		EntityType:     et,
		Payload:        []byte(body),
		Version:        version,
		LocalUpdatedAt: at,
		PendingUpload:  true,
	}
}

func serverEntity(id string, et models.EntityType, body string, version int64, at time.Time) *models.SyncEntity {
	return &models.SyncEntity{
		ID:              id,
		EntityType:      et,
		Payload:         []byte(body),
		Version:         version,
		ServerUpdatedAt: &at,
	}
}

func TestResolve_MedicationDosageScenario(t *testing.T) {
	r := newResolver(t)

	local := localEntity("med-1", models.EntityMedication, `{"name":"Warfarin","dosage":"10mg"}`, 3, t0)
	server := serverEntity("med-1", models.EntityMedication, `{"name":"Warfarin","dosage":"12mg"}`, 4, t0.Add(2*time.Second))

	rec, err := r.Resolve(local, server, nil)
	require.NoError(t, err)

	assert.True(t, rec.RequiresReview)
	assert.Nil(t, rec.ResolvedPayload)
	assert.Less(t, rec.Confidence, 1.0)
	assert.Equal(t, models.StrategySafetyPriority, rec.Strategy)
	assert.Equal(t, []string{"dosage"}, rec.CollidingFields)
	assert.Equal(t, int64(3), rec.LocalVersion)
	assert.Equal(t, int64(4), rec.ServerVersion)
	assert.JSONEq(t, `{"name":"Warfarin","dosage":"12mg"}`, string(rec.SuggestedPayload))

	assert.Equal(t, 1, r.Audit().Len())
}

func TestResolve_SafetyOverridesLargeGap(t *testing.T) {
	r := newResolver(t)

	local := localEntity("med-1", models.EntityMedication, `{"name":"A","dosage":"5mg"}`, 2, t0)
	server := serverEntity("med-1", models.EntityMedication, `{"name":"A","dosage":"50mg"}`, 9, t0.Add(30*24*time.Hour))

	rec, err := r.Resolve(local, server, nil)
	require.NoError(t, err)
	assert.True(t, rec.RequiresReview)
	assert.Nil(t, rec.ResolvedPayload)
	assert.InDelta(t, 0.5, rec.Confidence, 1e-9)
}

func TestResolve_SafetyNonCriticalFieldsMerge(t *testing.T) {
	r := newResolver(t)

	base := serverEntity("med-1", models.EntityMedication, `{"name":"A","dosage":"5mg","notes":""}`, 1, t0.Add(-time.Hour))
	local := localEntity("med-1", models.EntityMedication, `{"name":"A","dosage":"5mg","notes":"with food"}`, 2, t0)
	server := serverEntity("med-1", models.EntityMedication, `{"name":"Aspirin","dosage":"5mg","notes":""}`, 2, t0.Add(time.Second))

	rec, err := r.Resolve(local, server, base)
	require.NoError(t, err)
	assert.False(t, rec.RequiresReview)
	assert.Equal(t, models.StrategyThreeWayMerge, rec.Strategy)
	assert.Equal(t, 1.0, rec.Confidence)
	assert.JSONEq(t, `{"name":"Aspirin","dosage":"5mg","notes":"with food"}`, string(rec.ResolvedPayload))
}

func TestResolve_SafetyCriticalFlagOverridesEveryStrategy(t *testing.T) {
	strategies := []models.ResolutionStrategy{
		models.StrategyLastWriteWins,
		models.StrategyThreeWayMerge,
		models.StrategyLocalPreference,
		models.StrategyServerPreference,
	}
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			audit, err := NewAuditLog(store.NewMemory(), 0)
			require.NoError(t, err)
			r := NewResolver(audit, WithPolicies(map[models.EntityType]Policy{
				models.EntityMedication: {
					Strategy:       strategy,
					SafetyCritical: true,
					CriticalFields: []string{"dosage"},
				},
			}))

			base := serverEntity("med-1", models.EntityMedication, `{"dosage":"5mg","name":"Warfarin"}`, 2, t0)
			local := localEntity("med-1", models.EntityMedication, `{"dosage":"10mg","name":"Warfarin"}`, 3, t0.Add(time.Hour))
			server := serverEntity("med-1", models.EntityMedication, `{"dosage":"12mg","name":"Warfarin"}`, 4, t0)

			rec, err := r.Resolve(local, server, base)
			require.NoError(t, err)

			assert.True(t, rec.RequiresReview)
			assert.Nil(t, rec.ResolvedPayload)
			assert.NotNil(t, rec.SuggestedPayload)
			assert.Equal(t, models.StrategySafetyPriority, rec.Strategy)
			assert.Contains(t, rec.CollidingFields, "dosage")
			assert.InDelta(t, 0.5, rec.Confidence, 1e-9)
		})
	}
}

func TestResolve_SafetyCriticalFlagKeepsStrategyWithoutDivergence(t *testing.T) {
	audit, err := NewAuditLog(store.NewMemory(), 0)
	require.NoError(t, err)
	r := NewResolver(audit, WithPolicies(map[models.EntityType]Policy{
		models.EntityMedication: {
			Strategy:       models.StrategyLocalPreference,
			SafetyCritical: true,
			CriticalFields: []string{"dosage"},
		},
	}))

	local := localEntity("med-1", models.EntityMedication, `{"dosage":"10mg","name":"Warfarin XR"}`, 3, t0)
	server := serverEntity("med-1", models.EntityMedication, `{"dosage":"10mg","name":"Warfarin"}`, 4, t0)

	rec, err := r.Resolve(local, server, nil)
	require.NoError(t, err)

	assert.False(t, rec.RequiresReview)
	assert.Equal(t, models.StrategyLocalPreference, rec.Strategy)
	assert.JSONEq(t, `{"dosage":"10mg","name":"Warfarin XR"}`, string(rec.ResolvedPayload))
}

func TestResolve_LastWriteWins(t *testing.T) {
	tests := []struct {
		name       string
		serverAt   time.Duration
		wantBody   string
		wantReview bool
		wantConf   float64
	}{
		{"server much newer", time.Minute, `{"v":"server"}`, false, 1},
		{"local much newer", -time.Minute, `{"v":"local"}`, false, 1},
		{"ambiguous", 2 * time.Second, `{"v":"server"}`, true, 0.4},
		{"tie", 0, `{"v":"local"}`, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolver(t)
			local := localEntity("x", "lab_result", `{"v":"local"}`, 2, t0)
			server := serverEntity("x", "lab_result", `{"v":"server"}`, 3, t0.Add(tt.serverAt))

			rec, err := r.Resolve(local, server, nil)
			require.NoError(t, err)
			assert.Equal(t, models.StrategyLastWriteWins, rec.Strategy)
			assert.Equal(t, tt.wantReview, rec.RequiresReview)
			assert.InDelta(t, tt.wantConf, rec.Confidence, 1e-9)
			if tt.wantReview {
				assert.Nil(t, rec.ResolvedPayload)
				assert.JSONEq(t, tt.wantBody, string(rec.SuggestedPayload))
			} else {
				assert.JSONEq(t, tt.wantBody, string(rec.ResolvedPayload))
			}
		})
	}
}

func TestResolve_ThreeWayMerge(t *testing.T) {
	r := newResolver(t)
	base := serverEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"09:00","location":"Clinic","notes":""}`, 1, t0.Add(-time.Hour))

	t.Run("disjoint edits merge cleanly", func(t *testing.T) {
		local := localEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"09:00","location":"Clinic","notes":"bring card"}`, 2, t0)
		server := serverEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"10:00","location":"Clinic","notes":""}`, 2, t0.Add(time.Second))

		rec, err := r.Resolve(local, server, base)
		require.NoError(t, err)
		assert.False(t, rec.RequiresReview)
		assert.Equal(t, 1.0, rec.Confidence)
		assert.JSONEq(t, `{"scheduled_at":"10:00","location":"Clinic","notes":"bring card"}`, string(rec.ResolvedPayload))
	})

	t.Run("removed field stays removed", func(t *testing.T) {
		local := localEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"09:00","location":"Clinic"}`, 2, t0)
		server := serverEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"09:00","location":"Clinic","notes":""}`, 1, t0.Add(time.Second))

		rec, err := r.Resolve(local, server, base)
		require.NoError(t, err)
		assert.JSONEq(t, `{"scheduled_at":"09:00","location":"Clinic"}`, string(rec.ResolvedPayload))
	})

	t.Run("collision requires review", func(t *testing.T) {
		local := localEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"09:00","location":"Home","notes":""}`, 2, t0)
		server := serverEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"09:00","location":"Hospital","notes":""}`, 2, t0.Add(time.Minute))

		rec, err := r.Resolve(local, server, base)
		require.NoError(t, err)
		assert.True(t, rec.RequiresReview)
		assert.Nil(t, rec.ResolvedPayload)
		assert.Equal(t, []string{"location"}, rec.CollidingFields)
		assert.InDelta(t, 2.0/3.0, rec.Confidence, 1e-9)
		assert.JSONEq(t, `{"scheduled_at":"09:00","location":"Hospital","notes":""}`, string(rec.SuggestedPayload))
	})

	t.Run("no base degrades to last write wins", func(t *testing.T) {
		local := localEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"08:00"}`, 2, t0)
		server := serverEntity("appt-1", models.EntityAppointment, `{"scheduled_at":"11:00"}`, 2, t0.Add(time.Minute))

		rec, err := r.Resolve(local, server, nil)
		require.NoError(t, err)
		assert.Equal(t, models.StrategyLastWriteWins, rec.Strategy)
		assert.JSONEq(t, `{"scheduled_at":"11:00"}`, string(rec.ResolvedPayload))
	})
}

func TestResolve_Preferences(t *testing.T) {
	r := newResolver(t)

	local := localEntity("s-1", models.EntityUserSettings, `{"locale":"en"}`, 2, t0)
	server := serverEntity("s-1", models.EntityUserSettings, `{"locale":"fr"}`, 2, t0)
	rec, err := r.Resolve(local, server, nil)
	require.NoError(t, err)
	assert.False(t, rec.RequiresReview)
	assert.Equal(t, 1.0, rec.Confidence)
	assert.JSONEq(t, `{"locale":"en"}`, string(rec.ResolvedPayload))

	local = localEntity("c-1", models.EntitySystemConfig, `{"flag":true}`, 2, t0.Add(time.Hour))
	server = serverEntity("c-1", models.EntitySystemConfig, `{"flag":false}`, 2, t0)
	rec, err = r.Resolve(local, server, nil)
	require.NoError(t, err)
	assert.False(t, rec.RequiresReview)
	assert.JSONEq(t, `{"flag":false}`, string(rec.ResolvedPayload))
}

func TestResolve_Deterministic(t *testing.T) {
	r := newResolver(t)
	base := serverEntity("med-1", models.EntityMedication, `{"name":"A","dosage":"5mg","route":"oral"}`, 1, t0.Add(-time.Hour))
	local := localEntity("med-1", models.EntityMedication, `{"name":"B","dosage":"5mg","route":"iv"}`, 2, t0)
	server := serverEntity("med-1", models.EntityMedication, `{"name":"C","dosage":"5mg","route":"oral"}`, 3, t0.Add(3*time.Second))

	first, err := r.Resolve(local, server, base)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(local.Clone(), server.Clone(), base.Clone())
		require.NoError(t, err)
		assert.Equal(t, first.Strategy, again.Strategy)
		assert.Equal(t, first.Confidence, again.Confidence)
		assert.Equal(t, first.ResolvedPayload, again.ResolvedPayload)
		assert.Equal(t, first.SuggestedPayload, again.SuggestedPayload)
		assert.Equal(t, first.CollidingFields, again.CollidingFields)
	}
	assert.Equal(t, 6, r.Audit().Len())
}

func TestResolve_InvalidInput(t *testing.T) {
	r := newResolver(t)
	_, err := r.Resolve(nil, &models.SyncEntity{ID: "a"}, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = r.Resolve(&models.SyncEntity{ID: "a"}, &models.SyncEntity{ID: "b"}, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Equal(t, 0, r.Audit().Len())
}

func TestRecordManual(t *testing.T) {
	r := newResolver(t)
	local := localEntity("med-1", models.EntityMedication, `{"name":"A","dosage":"10mg"}`, 3, t0)
	server := serverEntity("med-1", models.EntityMedication, `{"name":"A","dosage":"12mg"}`, 4, t0.Add(2*time.Second))

	pending, err := r.Resolve(local, server, nil)
	require.NoError(t, err)

	manual, err := r.RecordManual(pending, []byte(`{"name":"A","dosage":"11mg"}`))
	require.NoError(t, err)
	assert.Equal(t, models.StrategyManual, manual.Strategy)
	assert.False(t, manual.RequiresReview)
	assert.NotEqual(t, pending.ID, manual.ID)
	assert.JSONEq(t, `{"name":"A","dosage":"11mg"}`, string(manual.ResolvedPayload))

	history := r.Audit().ForEntity("med-1")
	require.Len(t, history, 2)
	assert.True(t, history[0].RequiresReview, "earlier record is never mutated")
	assert.Nil(t, history[0].ResolvedPayload)
}
