package session

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_UnwrapAndKind(t *testing.T) {
	t.Parallel()

	root := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("start: %w", &Error{Kind: KindConnectionSetup, Op: "connect", Err: root})

	if !IsKind(err, KindConnectionSetup) {
		t.Error("IsKind(KindConnectionSetup) = false")
	}
	if IsKind(err, KindTransport) {
		t.Error("IsKind(KindTransport) = true")
	}
	if !errors.Is(err, root) {
		t.Error("errors.Is lost the root cause")
	}
	if IsKind(root, KindConnectionSetup) {
		t.Error("plain error reported a kind")
	}

	msg := err.Error()
	for _, want := range []string{"connect", "connection_setup", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got, want string
	}{
		{StateIdle.String(), "idle"},
		{StateFailed.String(), "failed"},
		{State(99).String(), "State(99)"},
		{KindDecode.String(), "decode"},
		{EventTurn.String(), "turn"},
		{ReasonConnectionLost.String(), "connection_lost"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("String() = %q, want %q", tc.got, tc.want)
		}
	}
}

func TestCloserStack_ReverseOrderAndAggregate(t *testing.T) {
	t.Parallel()

	var order []int
	var s closerStack
	s.push(func() error { order = append(order, 1); return nil })
	s.push(func() error { order = append(order, 2); return errors.New("two") })
	s.push(func() error { order = append(order, 3); return errors.New("three") })

	err := s.closeAll()
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Errorf("close order = %v, want [3 2 1]", order)
	}
	if err == nil || !strings.Contains(err.Error(), "two") || !strings.Contains(err.Error(), "three") {
		t.Errorf("err = %v, want both failures", err)
	}
	if err := s.closeAll(); err != nil {
		t.Errorf("second closeAll = %v, want nil", err)
	}
}
