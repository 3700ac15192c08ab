package clock

import (
	"testing"
	"time"
)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMockClock_Advance(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	mock.Advance(time.Hour)

	if want := mockTime.Add(time.Hour); !mock.Now().Equal(want) {
		t.Errorf("after Advance got %v, want %v", mock.Now(), want)
	}
}

func TestSet_RestoresPrevious(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	restore := Set(NewMockClock(mockTime))

	if !Now().Equal(mockTime) {
		t.Fatalf("Now() = %v, want mock time", Now())
	}
	if Since(mockTime) != 0 {
		t.Errorf("Since(mock) = %v, want 0", Since(mockTime))
	}

	restore()
	if Now().Equal(mockTime) {
		t.Error("restore did not reinstate the real clock")
	}
}
