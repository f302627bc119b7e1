package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if err := Wrap(Internal, "op", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	base := New(ThreadArchived, "AppendRevision", "thread t1 is archived")
	wrapped := fmt.Errorf("running turn: %w", base)

	if got := CodeOf(wrapped); got != ThreadArchived {
		t.Errorf("CodeOf = %q, want %q", got, ThreadArchived)
	}
	if !IsCode(wrapped, ThreadArchived) {
		t.Error("IsCode(wrapped, ThreadArchived) = false")
	}
	if IsCode(errors.New("plain"), ThreadArchived) {
		t.Error("IsCode(plain error) = true")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(SummarizerError, "Compress", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	if !strings.Contains(err.Error(), "summarizer_error") {
		t.Errorf("Error() = %q, want code suffix", err.Error())
	}
}

func TestPublicMessageNeverLeaksCause(t *testing.T) {
	err := Wrap(GeneratorError, "Generate", errors.New("secret upstream body"))
	msg := PublicMessage(CodeOf(err))
	if strings.Contains(msg, "secret") {
		t.Errorf("PublicMessage leaked cause: %q", msg)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{ConcurrentModification, true},
		{ConflictRetryable, true},
		{SummarizerError, true},
		{InvalidArgument, false},
		{ThreadArchived, false},
		{EmptyInput, false},
	}
	for _, tt := range tests {
		if got := Retryable(New(tt.code, "", "")); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
