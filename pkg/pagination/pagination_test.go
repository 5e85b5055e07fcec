package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in       int
		expected int
	}{
		{in: 0, expected: DefaultLimit},
		{in: -5, expected: DefaultLimit},
		{in: 10, expected: 10},
		{in: MaxLimit, expected: MaxLimit},
		{in: MaxLimit + 50, expected: MaxLimit},
	}

	for _, tt := range tests {
		if got := NormalizeLimit(tt.in); got != tt.expected {
			t.Fatalf("NormalizeLimit(%d) = %d, expected %d", tt.in, got, tt.expected)
		}
	}
}

func TestLimitWithBufferAddsSentinelRow(t *testing.T) {
	if got := LimitWithBuffer(10); got != 11 {
		t.Fatalf("expected 11, got %d", got)
	}
	if got := LimitWithBuffer(0); got != DefaultLimit+1 {
		t.Fatalf("expected %d, got %d", DefaultLimit+1, got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	original := Cursor{
		CreatedAt: time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC),
		ID:        uuid.New(),
	}

	token := EncodeCursor(original)
	decoded, err := ParseCursor(token)
	if err != nil {
		t.Fatalf("parse cursor: %v", err)
	}
	if !decoded.CreatedAt.Equal(original.CreatedAt) {
		t.Fatalf("created at mismatch: %v vs %v", decoded.CreatedAt, original.CreatedAt)
	}
	if decoded.ID != original.ID {
		t.Fatalf("id mismatch: %s vs %s", decoded.ID, original.ID)
	}
}

func TestParseCursorRejectsMalformedTokens(t *testing.T) {
	tests := []string{
		"not-base64!!!",
		"aGVsbG8",              // decodes but has no separator
		"MTIzfG5vdC1hLXV1aWQ",  // "123|not-a-uuid"
		"YWJjfDAwMDAwMDAwLTAwMDAtMDAwMC0wMDAwLTAwMDAwMDAwMDAwMA", // non-numeric timestamp
	}

	for _, token := range tests {
		if _, err := ParseCursor(token); err == nil {
			t.Fatalf("expected error for token %q", token)
		}
	}
}
