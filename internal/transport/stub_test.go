//go:build !midi_native

package transport

import (
	"testing"

	"github.com/pkg/errors"
)

func TestStubReportsMissingDriver(t *testing.T) {
	if _, err := OpenOutput("any"); !errors.Is(err, ErrNativeUnavailable) {
		t.Fatalf("OpenOutput error %v", err)
	}
	if _, err := ListOutputs(); !errors.Is(err, ErrNativeUnavailable) {
		t.Fatalf("ListOutputs error %v", err)
	}
}
