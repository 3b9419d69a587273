package stats

import "testing"

func TestNew_StartsDown(t *testing.T) {
	s := New()
	if s.Status() != StatusDown {
		t.Fatalf("expected a fresh ServerStats to start DOWN, got %v", s.Status())
	}
	if s.HealthScore() != 0 {
		t.Fatalf("expected a fresh ServerStats to start at score 0, got %d", s.HealthScore())
	}
}

func TestRecordProbe_FirstFailureDropsBelowZero(t *testing.T) {
	s := New()
	s.RecordProbe(true, 10000, 0)
	if s.Status() != StatusOK {
		t.Fatalf("expected first healthy probe to flip status OK")
	}

	s.RecordProbe(false, 0, 0)
	if s.HealthScore() >= 0 {
		t.Fatalf("expected a single failure to drop the score below zero, got %d", s.HealthScore())
	}
	if s.Status() != StatusDown {
		t.Fatalf("expected status to flip DOWN once score is non-positive")
	}
}

func TestRecordProbe_SustainedHealthClimbsPositive(t *testing.T) {
	s := New()
	for i := 0; i < 10; i++ {
		s.RecordProbe(true, 5000, 0)
	}
	if s.HealthScore() < 40 {
		t.Fatalf("expected sustained health to climb comfortably positive, got %d", s.HealthScore())
	}
}

func TestRecordProbe_RateLimitRejectionsPullScoreDown(t *testing.T) {
	withRL := New()
	withoutRL := New()
	for i := 0; i < 5; i++ {
		withRL.RecordProbe(true, 5000, 1.0)
		withoutRL.RecordProbe(true, 5000, 0)
	}
	if withRL.HealthScore() >= withoutRL.HealthScore() {
		t.Fatalf("expected rate-limit rejections to depress score: with=%d without=%d", withRL.HealthScore(), withoutRL.HealthScore())
	}
}

func TestRecordProbe_EWMASmoothsLatency(t *testing.T) {
	s := New()
	s.RecordProbe(true, 10000, 0)
	if got := s.RespTimeMillis(); got != 10 {
		t.Fatalf("expected first sample to seed the average exactly, got %v", got)
	}
	s.RecordProbe(true, 20000, 0)
	got := s.RespTimeMillis()
	if got <= 10 || got >= 20 {
		t.Fatalf("expected smoothed average strictly between samples, got %v", got)
	}
}

func TestNoteOutcome_IncrementsCorrectCounter(t *testing.T) {
	s := New()
	s.NoteOutcome(SuccessFirstAttempt)
	s.NoteOutcome(SuccessAfterRetry)
	s.NoteOutcome(FailureBadRequest)
	s.NoteOutcome(FailureOther)

	snap := s.Read()
	if snap.SuccessFirstAttempt != 1 || snap.SuccessAfterRetry != 1 || snap.FailureBadRequest != 1 || snap.FailureOther != 1 {
		t.Fatalf("expected each outcome to increment exactly one counter, got %+v", snap)
	}
	if snap.TotalUserRequests() != 4 {
		t.Fatalf("expected total user requests of 4, got %d", snap.TotalUserRequests())
	}
}

func TestRateLimitRejectRate(t *testing.T) {
	s := New()
	s.NoteOutcome(SuccessFirstAttempt)
	s.NoteOutcome(SuccessFirstAttempt)
	s.NoteRateLimitSkip()
	s.NoteRateLimitSkip()

	rate := s.RateLimitRejectRate()
	if rate != 0.5 {
		t.Fatalf("expected reject rate of 0.5, got %v", rate)
	}
}
