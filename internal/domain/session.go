// Package domain contains core domain types for the live negotiation coordinator.
package domain

import (
	"strings"
	"time"
)

// Stage is the lifecycle stage of a simulation session.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageAnalyzing   Stage = "analyzing"
	StageNegotiating Stage = "negotiating"
	StageCompleted   Stage = "completed"
)

// Mode selects who drives the counsellor side of the negotiation.
type Mode string

const (
	ModeAgentVsAgent              Mode = "agent_vs_agent"
	ModeHumanVsAgent              Mode = "human_vs_agent"
	ModeAgentAssistedHumanVsAgent Mode = "agent_assisted_human_vs_agent"
)

// ParseMode accepts both the local mode names and the wire names used by the
// negotiation service. Unknown values fall back to agent_vs_agent.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "human_vs_agent", "human_vs_ai":
		return ModeHumanVsAgent
	case "agent_assisted_human_vs_agent", "agent_powered_human_vs_ai":
		return ModeAgentAssistedHumanVsAgent
	default:
		return ModeAgentVsAgent
	}
}

// Wire returns the mode name expected by the negotiation service.
func (m Mode) Wire() string {
	switch m {
	case ModeHumanVsAgent:
		return "human_vs_ai"
	case ModeAgentAssistedHumanVsAgent:
		return "agent_powered_human_vs_ai"
	default:
		return "ai_vs_ai"
	}
}

// HumanDriven reports whether a human speaks the counsellor turns.
func (m Mode) HumanDriven() bool {
	return m == ModeHumanVsAgent || m == ModeAgentAssistedHumanVsAgent
}

// Session identifies one simulation run.
type Session struct {
	ID        string    `json:"id"`
	Stage     Stage     `json:"stage"`
	Mode      Mode      `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// RunRecord is the outcome of a completed run.
type RunRecord struct {
	SessionID   string        `json:"session_id"`
	Mode        Mode          `json:"mode"`
	Score       float64       `json:"score"`
	Winner      string        `json:"winner"`
	Result      string        `json:"result"`
	Duration    time.Duration `json:"duration"`
	Retry       bool          `json:"retry"`
	CompletedAt time.Time     `json:"completed_at"`
}

// NoticeLevel classifies user-visible notifications.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a user-visible notification.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Code  string      `json:"code"`
	Text  string      `json:"text"`
	At    time.Time   `json:"at"`
}
