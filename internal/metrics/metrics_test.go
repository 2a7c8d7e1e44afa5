package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/coachrules/rules"
)

func TestRuleEvaluated(t *testing.T) {
	r := New()
	r.RuleEvaluated(rules.TextEquals, true, false)
	r.RuleEvaluated(rules.TextEquals, true, false)
	r.RuleEvaluated(rules.TextEquals, false, true)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.evaluations.WithLabelValues("TEXT_EQUALS", "matched")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.evaluations.WithLabelValues("TEXT_EQUALS", "failed")))
}

func TestRunFinished(t *testing.T) {
	r := New()
	r.RunFinished(rules.CaseDaily, &rules.Outcome{SendRequests: []rules.SendRequest{{ID: "s1"}}}, time.Millisecond)
	r.RunFinished(rules.CaseDaily, &rules.Outcome{}, time.Millisecond)
	r.RunFinished(rules.CaseDaily, &rules.Outcome{Failure: &rules.EvaluationResult{}}, time.Millisecond)
	r.RunFinished(rules.CaseDaily, nil, time.Millisecond)

	for _, status := range []string{"ok", "empty", "aborted", "error"} {
		assert.Equal(t, float64(1), testutil.ToFloat64(r.runs.WithLabelValues("DAILY", status)), status)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(r.sendRequests))
	assert.Equal(t, 1, testutil.CollectAndCount(r.runDuration))
}

func TestHandler(t *testing.T) {
	r := New()
	r.SideEffectDropped("send")
	r.DeliveryTransition("SENDING")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `coachrules_side_effects_dropped_total{kind="send"} 1`))
	assert.True(t, strings.Contains(body, `coachrules_delivery_transitions_total{status="SENDING"} 1`))
}
