// Package gateway implements the call-orchestration core: connection
// admission, the per-session state machine, message routing to backend
// capability services, and session supervision.
package gateway

// Inbound event kinds accepted on a call connection.
const (
	eventAudio           = "audio"
	eventText            = "text"
	eventTransferRequest = "transfer_request"
	eventEndCall         = "end_call"
)

// inboundEvent is the wire shape of caller-originated messages.
type inboundEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
	Text  string `json:"text,omitempty"`
}

type heartbeatEvent struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

type errorEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type leadQuestionEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
	Audio      string `json:"audio"`
	Required   bool   `json:"required"`
}

type responseMetrics struct {
	STTTime float64 `json:"stt_time"`
	LLMTime float64 `json:"llm_time"`
	TTSTime float64 `json:"tts_time"`
}

type capturedLead struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

type aiResponseEvent struct {
	Type           string           `json:"type"`
	SessionID      string           `json:"session_id"`
	Transcript     string           `json:"transcript"`
	Response       string           `json:"response"`
	Audio          string           `json:"audio"`
	VoiceID        string           `json:"voice_id"`
	Confidence     float64          `json:"confidence"`
	ProcessingTime float64          `json:"processing_time"`
	Metrics        *responseMetrics `json:"metrics,omitempty"`
	LeadCaptured   *capturedLead    `json:"lead_captured,omitempty"`
}

type transferCompleteEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Message   string `json:"message"`
}

type callEndEvent struct {
	Type          string  `json:"type"`
	SessionID     string  `json:"session_id"`
	Duration      float64 `json:"duration"`
	LeadsCaptured int     `json:"leads_captured"`
}
