package domain

import "testing"

func TestParseModeAcceptsWireNames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Mode
	}{
		{"human_vs_ai", ModeHumanVsAgent},
		{"human_vs_agent", ModeHumanVsAgent},
		{"agent_powered_human_vs_ai", ModeAgentAssistedHumanVsAgent},
		{" Agent_Assisted_Human_Vs_Agent", ModeAgentAssistedHumanVsAgent},
		{"ai_vs_ai", ModeAgentVsAgent},
		{"", ModeAgentVsAgent},
		{"nonsense", ModeAgentVsAgent},
	}
	for _, tc := range cases {
		if got := ParseMode(tc.in); got != tc.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestModeWireRoundTrip(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{ModeAgentVsAgent, ModeHumanVsAgent, ModeAgentAssistedHumanVsAgent} {
		if got := ParseMode(m.Wire()); got != m {
			t.Errorf("ParseMode(%q.Wire()) = %q", m, got)
		}
	}
	if ModeAgentVsAgent.HumanDriven() {
		t.Error("agent_vs_agent must not be human driven")
	}
	if !ModeAgentAssistedHumanVsAgent.HumanDriven() {
		t.Error("agent assisted mode must be human driven")
	}
}
