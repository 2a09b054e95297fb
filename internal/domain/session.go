package domain

import (
	"sort"
	"time"
)

// AgentMode identifies who is currently handling the conversation.
type AgentMode string

const (
	ModeAI           AgentMode = "ai"
	ModeHuman        AgentMode = "human"
	ModeTransferring AgentMode = "transferring"
)

// TransferReason records why a call was handed to a human agent.
type TransferReason string

const (
	TransferUserRequest     TransferReason = "user_request"
	TransferAIConfidenceLow TransferReason = "ai_confidence_low"
	TransferEscalation      TransferReason = "escalation"
	TransferComplexQuery    TransferReason = "complex_query"
)

// ConversationStage is the time-derived phase of a call.
type ConversationStage string

const (
	StageGreeting ConversationStage = "greeting"
	StageMiddle   ConversationStage = "middle"
	StageClosing  ConversationStage = "closing"
	StageEnded    ConversationStage = "ended"
)

const (
	greetingWindow       = 30 * time.Second
	humanOnlyCeiling     = 1800 * time.Second
	defaultCeiling       = 600 * time.Second
	closingCeilingFactor = 0.8
)

// StageForDuration derives the conversation stage from elapsed call time.
// maxCallDuration (seconds) is the organization's own ceiling and is
// authoritative when positive; otherwise the plan default applies
// (30 minutes for human_only calls, 10 minutes for everything else).
// The result is monotonic non-decreasing in d for a fixed plan.
func StageForDuration(d time.Duration, plan PlanType, maxCallDuration int) ConversationStage {
	ceiling := defaultCeiling
	if plan == PlanHumanOnly {
		ceiling = humanOnlyCeiling
	}
	if maxCallDuration > 0 {
		ceiling = time.Duration(maxCallDuration) * time.Second
	}

	switch {
	case d < greetingWindow:
		return StageGreeting
	case d > ceiling:
		return StageEnded
	case d.Seconds() > closingCeilingFactor*ceiling.Seconds():
		return StageClosing
	default:
		return StageMiddle
	}
}

// InitialAgentMode returns the mode a session starts in for a plan.
func InitialAgentMode(plan PlanType) AgentMode {
	if plan == PlanHumanOnly {
		return ModeHuman
	}
	return ModeAI
}

// ContextTurn is one entry of a session's conversation transcript.
type ContextTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LeadCapture is the immutable fact sent to the leads collaborator when
// a question is answered.
type LeadCapture struct {
	QuestionID   string  `json:"question_id"`
	QuestionText string  `json:"question_text"`
	Answer       string  `json:"answer"`
	CapturedAt   float64 `json:"captured_at"`
}

// SessionInfo is the per-call state owned by the session for its
// lifetime. All mutations funnel through the connection manager's
// update path, which also persists the snapshot.
type SessionInfo struct {
	SessionID           string            `json:"session_id"`
	OrgID               string            `json:"org_id"`
	PlanType            PlanType          `json:"plan_type"`
	AgentMode           AgentMode         `json:"agent_mode"`
	VoiceID             string            `json:"voice_id"`
	StartTime           time.Time         `json:"start_time"`
	LastInteractionTime time.Time         `json:"last_interaction_time"`
	ConversationStage   ConversationStage `json:"conversation_stage"`
	HumanAgentID        string            `json:"human_agent_id,omitempty"`
	TransferReason      TransferReason    `json:"transfer_reason,omitempty"`
	LeadAnswers         map[string]string `json:"lead_answers"`
	AskedQuestions      []string          `json:"asked_questions"`
	PendingRequired     []string          `json:"required_questions_pending"`
	CallDuration        float64           `json:"call_duration"`
}

// Elapsed returns the call duration at the given instant.
func (s *SessionInfo) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// Asked reports whether a question has already been put to the caller.
func (s *SessionInfo) Asked(questionID string) bool {
	for _, id := range s.AskedQuestions {
		if id == questionID {
			return true
		}
	}
	return false
}

// NextLeadQuestion selects the question to work into the next AI turn.
// Eligible questions trigger at the current stage and have not been
// asked. Required questions still pending win, tie-broken by ascending
// order; otherwise the lowest-order eligible question of any
// requiredness; otherwise nil.
func (s *SessionInfo) NextLeadQuestion(org *OrganizationConfig) *LeadQuestion {
	pending := make(map[string]bool, len(s.PendingRequired))
	for _, id := range s.PendingRequired {
		pending[id] = true
	}

	var eligible []LeadQuestion
	for _, q := range org.LeadQuestions {
		if q.TriggerStage == s.ConversationStage && !s.Asked(q.QuestionID) {
			eligible = append(eligible, q)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].Order < eligible[j].Order })

	for i := range eligible {
		if eligible[i].Required && pending[eligible[i].QuestionID] {
			return &eligible[i]
		}
	}
	return &eligible[0]
}

// PendingRequiredQuestions resolves the still-pending required question
// ids against the organization's question set, sorted by order.
func (s *SessionInfo) PendingRequiredQuestions(org *OrganizationConfig) []LeadQuestion {
	var out []LeadQuestion
	for _, id := range s.PendingRequired {
		if q, ok := org.QuestionByID(id); ok {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// CaptureAnswer records an answer: the question id moves from pending
// to answered and is appended to asked exactly once. Returns false if
// the question was already answered, preserving at-most-once capture
// within session state.
func (s *SessionInfo) CaptureAnswer(questionID, answer string) bool {
	if s.LeadAnswers == nil {
		s.LeadAnswers = make(map[string]string)
	}
	if _, done := s.LeadAnswers[questionID]; done {
		return false
	}
	s.LeadAnswers[questionID] = answer
	s.MarkAsked(questionID)

	kept := s.PendingRequired[:0]
	for _, id := range s.PendingRequired {
		if id != questionID {
			kept = append(kept, id)
		}
	}
	s.PendingRequired = kept
	return true
}

// MarkAsked appends a question id to the asked list. The list is
// append-only for the life of the session.
func (s *SessionInfo) MarkAsked(questionID string) {
	if !s.Asked(questionID) {
		s.AskedQuestions = append(s.AskedQuestions, questionID)
	}
}
