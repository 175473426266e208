package lifecycle

import (
	"testing"

	"github.com/example/emergency-connect/internal/models"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from  models.Status
		to    models.Status
		valid bool
	}{
		{models.StatusPending, models.StatusAccepted, true},
		{models.StatusAccepted, models.StatusAccepted, false},
		{models.StatusCompleted, models.StatusAccepted, false},
		{models.StatusAccepted, models.StatusDispatched, true},
		{models.StatusAccepted, models.StatusEnRoute, true},
		{models.StatusDispatched, models.StatusAtScene, true},
		{models.StatusEnRoute, models.StatusAtScene, true},
		{models.StatusAccepted, models.StatusAtScene, false},
		{models.StatusAtScene, models.StatusTransporting, true},
		{models.StatusTransporting, models.StatusCompleted, true},
		{models.StatusAtScene, models.StatusCompleted, false},
		{models.StatusPending, models.StatusCancelled, true},
		{models.StatusEnRoute, models.StatusCancelled, true},
		{models.StatusAtScene, models.StatusCancelled, false},
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusCompleted, models.StatusDeleted, true},
		{models.StatusCancelled, models.StatusDeleted, true},
		{models.StatusDeleted, models.StatusDeleted, false},
		{models.StatusPending, "bogus", false},
	}
	for _, tt := range cases {
		if got := CanTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("CanTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestNothingReturnsToPending(t *testing.T) {
	all := append(ActiveStatuses(), models.StatusCompleted, models.StatusCancelled, models.StatusDeleted)
	for _, from := range all {
		if CanTransition(from, models.StatusPending) {
			t.Fatalf("transition %s -> pending must not be allowed", from)
		}
	}
}

func TestTerminalAndHolds(t *testing.T) {
	for _, s := range []models.Status{models.StatusCompleted, models.StatusCancelled, models.StatusDeleted} {
		if !IsTerminal(s) || IsActive(s) || HoldsAmbulance(s) {
			t.Fatalf("%s should be terminal, inactive and not hold an ambulance", s)
		}
	}
	if HoldsAmbulance(models.StatusPending) {
		t.Fatal("pending must not hold an ambulance")
	}
	if !HoldsAmbulance(models.StatusTransporting) {
		t.Fatal("transporting must hold an ambulance")
	}
	if IsActive("bogus") {
		t.Fatal("unknown status reported active")
	}
}

func TestAllowedFromReturnsCopy(t *testing.T) {
	a := AllowedFrom(models.StatusCancelled)
	a[0] = models.StatusDeleted
	if AllowedFrom(models.StatusCancelled)[0] != models.StatusPending {
		t.Fatal("AllowedFrom leaked internal slice")
	}
}
