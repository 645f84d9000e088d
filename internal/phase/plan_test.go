package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeloop/internal/persistence"
)

func scopedTicket() persistence.Ticket {
	return persistence.Ticket{
		ID:           "t-1",
		AllowedPaths: []string{"src/**"},
		ForbiddenPaths: []string{"**/*.env"},
	}
}

func TestParseCommitPlanValid(t *testing.T) {
	plan, err := ParseCommitPlan(`{
		"ticket_id": "t-1",
		"files_to_touch": [{"path": "src/foo.ts", "action": "modify", "reason": "fix"}],
		"expected_tests": ["npm test"],
		"risk_level": "low",
		"estimated_lines": 12
	}`)
	require.NoError(t, err)
	assert.Equal(t, "t-1", plan.TicketID)
	require.Len(t, plan.FilesToTouch, 1)
	assert.Equal(t, ActionModify, plan.FilesToTouch[0].Action)
	assert.Equal(t, 12, plan.EstimatedLines)
}

func TestParseCommitPlanRejectsMalformed(t *testing.T) {
	_, err := ParseCommitPlan(`not json`)
	assert.Error(t, err)

	_, err = ParseCommitPlan(`{"ticket_id":"t-1","files_to_touch":[]}`)
	assert.Error(t, err)

	_, err = ParseCommitPlan(`{"ticket_id":"t-1","files_to_touch":[{"path":"a","action":"rename"}]}`)
	assert.Error(t, err)
}

func TestValidatePlanScope(t *testing.T) {
	plan := &CommitPlan{FilesToTouch: []PlanFile{{Path: "src/foo.ts", Action: ActionModify}}, EstimatedLines: 10}
	assert.NoError(t, ValidatePlan(plan, scopedTicket(), 400))

	outside := &CommitPlan{FilesToTouch: []PlanFile{{Path: "test/b.ts", Action: ActionModify}}, EstimatedLines: 10}
	err := ValidatePlan(outside, scopedTicket(), 400)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test/b.ts")

	forbidden := &CommitPlan{FilesToTouch: []PlanFile{{Path: "src/prod.env", Action: ActionModify}}, EstimatedLines: 10}
	assert.Error(t, ValidatePlan(forbidden, scopedTicket(), 400))
}

func TestValidatePlanLineBudget(t *testing.T) {
	plan := &CommitPlan{FilesToTouch: []PlanFile{{Path: "src/foo.ts", Action: ActionModify}}, EstimatedLines: 500}
	err := ValidatePlan(plan, scopedTicket(), 400)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget")
}

func TestValidateExecuteResultSubset(t *testing.T) {
	plan := &CommitPlan{FilesToTouch: []PlanFile{{Path: "src/foo.ts", Action: ActionModify}}}
	assert.NoError(t, ValidateExecuteResult(plan, []string{"src/foo.ts"}, 10, 400))

	err := ValidateExecuteResult(plan, []string{"src/foo.ts", "src/bar.ts"}, 10, 400)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "src/bar.ts")
}

func TestValidateExecuteResultLineBudget(t *testing.T) {
	assert.Error(t, ValidateExecuteResult(nil, []string{"a"}, 500, 400))
	assert.NoError(t, ValidateExecuteResult(nil, []string{"a"}, 10, 400))
}

func TestCountChangedLines(t *testing.T) {
	diff := `diff --git a/src/foo.ts b/src/foo.ts
--- a/src/foo.ts
+++ b/src/foo.ts
@@ -1,3 +1,2 @@
-const a = 1
-const b = 2
+const a = 3
 const c = 4
`
	assert.Equal(t, 3, countChangedLines(diff))
}
