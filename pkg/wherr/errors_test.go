package wherr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := New(KindNotFound, "volume vol-a not found")
	wrapped := fmt.Errorf("attach failed: %w", base)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindNotFound)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnexpected {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindUnexpected)
	}
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	if err := Wrap(KindBackendFailure, "msg", nil); err != nil {
		t.Errorf("Wrap(nil cause) = %v, want nil", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:           400,
		KindNotFound:             404,
		KindConflict:             409,
		KindBackendFailure:       500,
		KindUnexpected:           500,
		KindContainerStartFailed: 500,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", kind, got, want)
		}
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := Wrap(KindBackendFailure, "brctl addbr failed", cause)
	want := "brctl addbr failed: exit status 1"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
