package main

import (
	"bytes"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

// childFailure returns the error of a child that exited with status 3
func childFailure(t *testing.T) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit 3").Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("sh did not fail with an exit status: %v", err)
	}
	return err
}

func TestReport(t *testing.T) {
	child := childFailure(t)
	unmountErr := errors.New("failed to unmount /data/system/s1/merged: device busy")
	releaseErr := errors.New("failed to unlock system s1")

	tests := []struct {
		name     string
		err      error
		wantCode int
		want     []string
		notWant  []string
	}{
		{
			name:     "child exit status only",
			err:      childExit(child),
			wantCode: 3,
		},
		{
			name:     "child exit with unmount failure",
			err:      childExit(errors.Join(child, unmountErr)),
			wantCode: 3,
			want:     []string{"Error: ", "device busy"},
			notWant:  []string{"exit status 3"},
		},
		{
			name:     "nested cleanup failures",
			err:      childExit(errors.Join(errors.Join(child, unmountErr), releaseErr)),
			wantCode: 3,
			want:     []string{"device busy", "failed to unlock system s1"},
			notWant:  []string{"exit status 3"},
		},
		{
			name:     "plain error",
			err:      childExit(unmountErr),
			wantCode: 1,
			want:     []string{"Error: failed to unmount"},
		},
		{
			name:     "update needed",
			err:      exitStatus{code: 1},
			wantCode: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if code := report(&out, tt.err); code != tt.wantCode {
				t.Errorf("report() = %d, want %d", code, tt.wantCode)
			}
			if len(tt.want) == 0 && out.Len() != 0 {
				t.Errorf("unexpected output %q", out.String())
			}
			for _, want := range tt.want {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output %q missing %q", out.String(), want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(out.String(), notWant) {
					t.Errorf("output %q should not contain %q", out.String(), notWant)
				}
			}
		})
	}
}
