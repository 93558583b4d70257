package types

import "testing"

func TestOrderStateTerminal(t *testing.T) {
	t.Parallel()
	terminal := []OrderState{OrderFilled, OrderCanceled, OrderFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderState{OrderLive, OrderPartiallyFilled} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestIntentAction(t *testing.T) {
	t.Parallel()
	if IntentReduce.Action() != ActionReduce {
		t.Error("REDUCE intent should resolve to REDUCE")
	}
	if IntentClose.Action() != ActionClose {
		t.Error("CLOSE intent should resolve to CLOSE")
	}
}
