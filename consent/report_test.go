package consent

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRightsRequest_Deadlines(t *testing.T) {
	testCases := []struct {
		name       string
		regulation string
		want       string
		window     time.Duration
	}{
		{name: "gdpr", regulation: RegulationGDPR, want: RegulationGDPR, window: 30 * day},
		{name: "ccpa", regulation: "ccpa", want: RegulationCCPA, window: 45 * day},
		{name: "cpra", regulation: " CPRA ", want: RegulationCPRA, window: 45 * day},
		{name: "empty defaults to gdpr", regulation: "", want: RegulationGDPR, window: 30 * day},
		{name: "other regulation", regulation: "lgpd", want: "LGPD", window: 30 * day},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := newLedger(t)
			req, err := l.LogRightsRequest(context.Background(), "u1", RequestAccess, tc.regulation)
			require.NoError(t, err)
			assert.NotEmpty(t, req.RequestID)
			assert.Equal(t, tc.want, req.Regulation)
			assert.Equal(t, StatusPending, req.Status)
			assert.Equal(t, l.clock.Now(), req.CreatedAt)
			assert.Equal(t, l.clock.Now().Add(tc.window), req.ResponseDeadline)
			assert.Nil(t, req.CompletedAt)
		})
	}
}

func TestLogRightsRequest_UnknownType(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.LogRightsRequest(ctx, "u1", "teleport", RegulationGDPR)
	assert.ErrorIs(t, err, ErrUnknownRequestType)

	requests, err := l.GetRightsRequests(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, requests)

	req, err := l.LogRightsRequest(ctx, "u1", " Erasure ", RegulationGDPR)
	require.NoError(t, err)
	assert.Equal(t, RequestErasure, req.Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.RightsRequests.WithLabelValues(RequestErasure, RegulationGDPR)))
}

func TestCompleteRightsRequest(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	req, err := l.LogRightsRequest(ctx, "u1", RequestPortability, RegulationGDPR)
	require.NoError(t, err)

	l.clock.Advance(48 * time.Hour)
	done, err := l.CompleteRightsRequest(ctx, "u1", req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, l.clock.Now(), *done.CompletedAt)

	// 重复完成不改变完成时间
	l.clock.Advance(time.Hour)
	again, err := l.CompleteRightsRequest(ctx, "u1", req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, *done.CompletedAt, *again.CompletedAt)

	_, err = l.CompleteRightsRequest(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestDoNotSellMyData(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_, err := l.RequestConsent(ctx, "u1", map[string]bool{
		PurposeThirdPartySharing: true,
		PurposeMarketing:         true,
		PurposeProfiling:         true,
		PurposeAnalytics:         true,
	}, MethodExplicit)
	require.NoError(t, err)

	optedOut, err := l.GetCCPAOptOutStatus(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, optedOut)

	req, err := l.DoNotSellMyData(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, RequestOptOut, req.Type)
	assert.Equal(t, RegulationCCPA, req.Regulation)
	assert.Equal(t, l.clock.Now().Add(45*day), req.ResponseDeadline)

	rec, err := l.GetConsentStatus(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, rec.Granted(PurposeThirdPartySharing))
	assert.False(t, rec.Granted(PurposeMarketing))
	assert.False(t, rec.Granted(PurposeProfiling))
	assert.True(t, rec.Granted(PurposeAnalytics))
	assert.Equal(t, MethodCCPAOptOut, rec.Purposes[PurposeMarketing].Method)

	optedOut, err = l.GetCCPAOptOutStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, optedOut)

	history, err := l.GetConsentHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, MethodCCPAOptOut, history[1].Method)
	assert.Len(t, history[1].Changes, 3)

	requests, err := l.GetRightsRequests(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, req.RequestID, requests[0].RequestID)
}

func TestGenerateComplianceReport(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	_, err := l.RequestConsent(ctx, "u1", map[string]bool{PurposeAnalytics: true}, MethodExplicit)
	require.NoError(t, err)
	gdpr, err := l.LogRightsRequest(ctx, "u1", RequestAccess, RegulationGDPR)
	require.NoError(t, err)
	ccpa, err := l.LogRightsRequest(ctx, "u1", RequestErasure, RegulationCCPA)
	require.NoError(t, err)
	done, err := l.LogRightsRequest(ctx, "u1", RequestAccess, RegulationGDPR)
	require.NoError(t, err)
	_, err = l.CompleteRightsRequest(ctx, "u1", done.RequestID)
	require.NoError(t, err)

	// GDPR请求逾期，CCPA请求还剩10天
	l.clock.Advance(35 * day)

	report, err := l.GenerateComplianceReport(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", report.UserID)
	assert.Equal(t, l.clock.Now(), report.GeneratedAt)
	assert.Equal(t, CurrentSchemaVersion, report.RecordVersion)
	assert.False(t, report.RequiresRenewal)
	assert.False(t, report.CCPAOptOut)
	assert.True(t, report.Consents[PurposeAnalytics])
	assert.True(t, report.Consents[PurposeEssential])
	assert.Equal(t, 1, report.HistoryEntries)
	assert.Equal(t, map[string]int{RequestAccess: 2, RequestErasure: 1}, report.RequestCounts)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, 1, report.Completed)

	statuses := make(map[string]DeadlineStatus, len(report.Deadlines))
	for _, d := range report.Deadlines {
		statuses[d.RequestID] = d
	}
	require.Len(t, statuses, 3)
	assert.Equal(t, StatusOverdue, statuses[gdpr.RequestID].Status)
	assert.Equal(t, -5, statuses[gdpr.RequestID].DaysRemaining)
	assert.Equal(t, StatusPending, statuses[ccpa.RequestID].Status)
	assert.Equal(t, 10, statuses[ccpa.RequestID].DaysRemaining)
	assert.Equal(t, StatusCompleted, statuses[done.RequestID].Status)

	// 报告不修改存储的数据
	requests, err := l.GetRightsRequests(ctx, "u1")
	require.NoError(t, err)
	for _, r := range requests {
		assert.NotEqual(t, StatusOverdue, r.Status)
	}
}

func TestGenerateComplianceReport_NoData(t *testing.T) {
	l := newLedger(t)
	report, err := l.GenerateComplianceReport(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, report.RequiresRenewal)
	assert.Empty(t, report.Deadlines)
	assert.Zero(t, report.HistoryEntries)
	assert.True(t, report.Consents[PurposeEssential])
	assert.Empty(t, l.fallback.Keys())
}

func TestRightsRequest_Overdue(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	r := RightsRequest{Status: StatusPending, ResponseDeadline: now}
	assert.False(t, r.Overdue(now))
	assert.True(t, r.Overdue(now.Add(time.Second)))

	r.Status = StatusCompleted
	assert.False(t, r.Overdue(now.Add(time.Hour)))
}

func TestGenerateComplianceReport_DoesNotPurgeCorruptData(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	_, err := l.LogRightsRequest(ctx, "u1", RequestAccess, RegulationGDPR)
	require.NoError(t, err)
	require.NoError(t, l.fallback.Set(ctx, keyRecord("u1"), []byte("{broken")))
	require.NoError(t, l.fallback.Set(ctx, keyHistory("u1"), []byte("[{")))

	report, err := l.GenerateComplianceReport(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.RequiresRenewal)
	assert.Zero(t, report.HistoryEntries)
	assert.Equal(t, 1, report.Pending)

	raw, err := l.fallback.Get(ctx, keyRecord("u1"))
	require.NoError(t, err)
	assert.Equal(t, "{broken", string(raw))
	_, err = l.fallback.Get(ctx, keyHistory("u1"))
	assert.NoError(t, err)
}

func TestGenerateComplianceReport_ConsistentSnapshot(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, err := l.RequestConsent(ctx, "u1", map[string]bool{PurposeAnalytics: i%2 == 0}, MethodExplicit)
			assert.NoError(t, err)
		}
	}()

	// 每次切换都追加一条历史，奇数条历史对应已同意
	for {
		select {
		case <-done:
			return
		default:
		}
		report, err := l.GenerateComplianceReport(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, report.HistoryEntries%2 == 1, report.Consents[PurposeAnalytics], "history=%d", report.HistoryEntries)
	}
}
