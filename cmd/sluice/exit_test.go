package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitErrHandler_NilError(t *testing.T) {
	// Should not panic or exit on nil error
	exitErrHandler(nil, nil)
}

func TestExitCode_ExitCoder(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{
			name:     "eos no message",
			err:      cli.Exit("", 0),
			wantCode: 0,
			wantMsg:  "",
		},
		{
			name:     "usage error",
			err:      cli.Exit("invalid mode: \"sideways\"", 1),
			wantCode: 1,
			wantMsg:  "invalid mode: \"sideways\"\n",
		},
		{
			name:     "fatal flow error",
			err:      cli.Exit("not-negotiated: no format", 2),
			wantCode: 2,
			wantMsg:  "not-negotiated: no format\n",
		},
		{
			name:     "empty message is suppressed",
			err:      cli.Exit("", 2),
			wantCode: 2,
			wantMsg:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			if got := exitCode(tt.err, &stderr); got != tt.wantCode {
				t.Errorf("exit code = %d, want %d", got, tt.wantCode)
			}
			if stderr.String() != tt.wantMsg {
				t.Errorf("stderr = %q, want %q", stderr.String(), tt.wantMsg)
			}
		})
	}
}

func TestExitCode_WrappedExitCoder(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), cli.Exit("inner error", 42))

	var stderr bytes.Buffer
	if got := exitCode(wrapped, &stderr); got != 42 {
		t.Errorf("exit code = %d, want 42", got)
	}
}

func TestExitCode_RegularError(t *testing.T) {
	var stderr bytes.Buffer
	if got := exitCode(errors.New("regular error"), &stderr); got != 1 {
		t.Errorf("exit code = %d, want 1", got)
	}
	if stderr.String() != "Error: regular error\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}
