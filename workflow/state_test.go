package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	testCases := []struct {
		from, to State
		want     bool
	}{
		{Received, Normalizing, true},
		{Received, Failed, true},
		{Received, Reasoning, false},
		{Normalizing, ValidatingRetrieving, true},
		{Normalizing, Finalized, false},
		{ValidatingRetrieving, ValidatingRetrieving, true},
		{ValidatingRetrieving, Reasoning, true},
		{ValidatingRetrieving, Finalized, false},
		{Reasoning, Finalized, true},
		{Reasoning, Failed, true},
		{Reasoning, Reasoning, false},
		{Finalized, Failed, false},
		{Failed, Received, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{Received, Normalizing, ValidatingRetrieving, Reasoning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{Finalized, Failed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
