package models_test

import (
	"sync"
	"testing"

	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
)

func TestRestatementNextStatus(t *testing.T) {
	cases := []struct {
		name    string
		status  models.RestatementStatus
		action  models.RestatementAction
		want    models.RestatementStatus
		wantErr error
	}{
		{"draft approve", models.RestatementStatusDraft, models.RestatementActionApprove, models.RestatementStatusApproved, nil},
		{"draft reject", models.RestatementStatusDraft, models.RestatementActionReject, models.RestatementStatusRejected, nil},
		{"approved apply", models.RestatementStatusApproved, models.RestatementActionApply, models.RestatementStatusApplied, nil},
		{"draft apply skips approval", models.RestatementStatusDraft, models.RestatementActionApply, "", utils.ErrorInvalidStateTransition},
		{"approved approve again", models.RestatementStatusApproved, models.RestatementActionApprove, "", utils.ErrorInvalidStateTransition},
		{"approved reject too late", models.RestatementStatusApproved, models.RestatementActionReject, "", utils.ErrorInvalidStateTransition},
		{"applied apply redelivery", models.RestatementStatusApplied, models.RestatementActionApply, "", utils.ErrorAlreadyFinalized},
		{"applied approve", models.RestatementStatusApplied, models.RestatementActionApprove, "", utils.ErrorAlreadyFinalized},
		{"rejected apply", models.RestatementStatusRejected, models.RestatementActionApply, "", utils.ErrorAlreadyFinalized},
		{"rejected reject again", models.RestatementStatusRejected, models.RestatementActionReject, "", utils.ErrorAlreadyFinalized},
	}

	for _, c := range cases {
		next, err := c.status.NextStatus(c.action)
		if c.wantErr != nil {
			if err != c.wantErr {
				t.Fatalf("%s: expected %v, got %v", c.name, c.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", c.name, err)
		}
		if next != c.want {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, next)
		}
	}
}

func TestRestatementStatusIsFinal(t *testing.T) {
	finals := map[models.RestatementStatus]bool{
		models.RestatementStatusDraft:    false,
		models.RestatementStatusApproved: false,
		models.RestatementStatusRejected: true,
		models.RestatementStatusApplied:  true,
	}
	for status, want := range finals {
		if got := status.IsFinal(); got != want {
			t.Fatalf("%s: IsFinal expected %v, got %v", status, want, got)
		}
	}
}

// The restated value is the exact sum of the estimates on top of the original;
// no rounding happens until apply publishes the result.
func TestSumEstimatedEmissions_Exact(t *testing.T) {
	metrics := []models.RestatementMetric{
		{MetricId: "purchased_goods_services", EstimatedBaselineEmissions: dec(t, "25.14")},
		{MetricId: "upstream_logistics", EstimatedBaselineEmissions: dec(t, "11.46")},
	}
	sum := models.SumEstimatedEmissions(metrics)
	if !sum.Equal(dec(t, "36.60")) {
		t.Fatalf("expected exact 36.60, got %s", sum)
	}

	original := dec(t, "413.36")
	restated := original.Add(sum)
	if !restated.Equal(dec(t, "450.00")) {
		t.Fatalf("expected exact 450.00, got %s", restated)
	}
	if got := models.RoundPublished(restated).String(); got != "450" {
		t.Fatalf("published restated value: expected 450, got %s", got)
	}
}

func TestTargetValueFor(t *testing.T) {
	got := models.TargetValueFor(dec(t, "450.0"), dec(t, "0.5"))
	if !got.Equal(dec(t, "225.0")) {
		t.Fatalf("expected 225.0, got %s", got)
	}
	got = models.TargetValueFor(dec(t, "450.0"), dec(t, "0"))
	if !got.Equal(dec(t, "450.0")) {
		t.Fatalf("zero reduction keeps the baseline: got %s", got)
	}
}

func TestParseRestatementAction(t *testing.T) {
	for _, s := range []string{"approve", "reject", "apply"} {
		if _, err := models.ParseRestatementAction(s); err != nil {
			t.Fatalf("%s: unexpected error %v", s, err)
		}
	}
	if _, err := models.ParseRestatementAction("revert"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

// Apply flips status with a conditional update: the write only lands when the
// row still holds the status the decision was made against, and losers re-read
// to map the outcome. Under concurrent applies exactly one caller wins and
// every other caller sees the finalized row.
func TestConcurrentApply_ExactlyOneSuccess(t *testing.T) {
	for run := 0; run < 100; run++ {
		var mu sync.Mutex
		status := models.RestatementStatusApproved

		transition := func(action models.RestatementAction) error {
			mu.Lock()
			current := status
			mu.Unlock()

			next, err := current.NextStatus(action)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if status != current {
				// Zero rows matched: re-read and classify.
				if status.IsFinal() {
					return utils.ErrorAlreadyFinalized
				}
				if _, err := status.NextStatus(action); err != nil {
					return err
				}
				return utils.ErrorConcurrencyConflict
			}
			status = next
			return nil
		}

		const workers = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- transition(models.RestatementActionApply)
			}()
		}
		wg.Wait()
		close(errs)

		wins, finalized := 0, 0
		for err := range errs {
			switch err {
			case nil:
				wins++
			case utils.ErrorAlreadyFinalized:
				finalized++
			default:
				t.Fatalf("run %d: unexpected error %v", run, err)
			}
		}
		if wins != 1 {
			t.Fatalf("run %d: expected exactly one successful apply, got %d", run, wins)
		}
		if finalized != workers-1 {
			t.Fatalf("run %d: expected %d finalized losers, got %d", run, workers-1, finalized)
		}
		if status != models.RestatementStatusApplied {
			t.Fatalf("run %d: row ended %s, want %s", run, status, models.RestatementStatusApplied)
		}
	}
}
