package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil error", err: nil, expected: 0},
		{name: "no route", err: ErrNoRoute, expected: 2},
		{name: "wrapped no route", err: fmt.Errorf("mail.send: %w", ErrNoRoute), expected: 2},
		{name: "unknown node", err: ErrUnknownNode, expected: 3},
		{name: "validation", err: ErrValidation, expected: 4},
		{name: "mail corrupt", err: ErrMailCorrupt, expected: 5},
		{name: "container runtime", err: ErrContainerRuntime, expected: 6},
		{name: "already exists", err: ErrAlreadyExists, expected: 7},
		{name: "not found", err: ErrNotFound, expected: 8},
		{name: "busy", err: ErrBusy, expected: 9},
		{name: "io", err: ErrIO, expected: 10},
		{name: "cancelled", err: ErrCancelled, expected: 11},
		{name: "unclassified", err: errors.New("boom"), expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExitCode(tt.err))
		})
	}
}

func TestExitCodesAreDistinct(t *testing.T) {
	seen := map[int]error{}
	for _, ec := range exitCodes {
		if prev, ok := seen[ec.code]; ok {
			t.Fatalf("exit code %d claimed by both %v and %v", ec.code, prev, ec.err)
		}
		seen[ec.code] = ec.err
	}
}
