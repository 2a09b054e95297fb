package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/backend"
	"github.com/voxgate/voxgate/internal/domain"
	"github.com/voxgate/voxgate/internal/metrics"
	"github.com/voxgate/voxgate/internal/store"
)

// maxAudioHexLen bounds inbound audio payloads (~5 minutes of audio).
const maxAudioHexLen = 10_000_000

// contextTrimTurns is how much transcript goes downstream to the
// generator; storage keeps the full transcript.
const contextTrimTurns = 6

// transferContextTurns is how much transcript accompanies a handoff.
const transferContextTurns = 10

var hexAudioPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// ErrTransferUnavailable is returned for transfer attempts on ai_only
// plans. The session state is never changed in that case.
var ErrTransferUnavailable = errors.New("transfer not available for plan")

const errMsgAIUnavailable = "AI service unavailable"

// Router consumes one session's inbound events and orchestrates the
// backend capability calls for each of them. Events are handled
// strictly in arrival order; the supervisor's background activities
// interleave only through the manager's update path.
type Router struct {
	mgr       *Manager
	backend   *backend.Client
	store     store.Store
	sessionID string
	org       *domain.OrganizationConfig

	// closed flips exactly once when the finalize pipeline actually
	// runs its external side effects, making call-end idempotent
	// across explicit end_call and forced teardown.
	closed atomic.Bool
}

// NewRouter creates the message router for an admitted session.
func NewRouter(mgr *Manager, bc *backend.Client, st store.Store, sessionID string, org *domain.OrganizationConfig) *Router {
	return &Router{
		mgr:       mgr,
		backend:   bc,
		store:     st,
		sessionID: sessionID,
		org:       org,
	}
}

// HandleEvent dispatches one inbound event. It returns true when the
// session has finished and the connection should close.
func (r *Router) HandleEvent(ctx context.Context, raw []byte) bool {
	var event inboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		slog.Warn("Malformed inbound event", "session_id", r.sessionID, "error", err)
		r.sendError(ctx, "invalid message")
		return false
	}

	now := time.Now().UTC()
	if err := r.mgr.Update(ctx, r.sessionID, Patch{LastInteraction: &now}); err != nil {
		return true
	}
	metrics.EventsProcessed.WithLabelValues(event.Type).Inc()

	switch event.Type {
	case eventAudio:
		r.handleAudio(ctx, event.Audio)
	case eventText:
		r.respond(ctx, event.Text, nil)
	case eventTransferRequest:
		if err := r.Transfer(ctx, domain.TransferUserRequest); err != nil {
			slog.Warn("Transfer request rejected", "session_id", r.sessionID, "error", err)
		}
	case eventEndCall:
		return r.Finalize(ctx, false)
	default:
		r.sendError(ctx, "unknown event type")
	}
	return false
}

// handleAudio validates the hex payload, transcribes it, and continues
// through the text pipeline with the transcript.
func (r *Router) handleAudio(ctx context.Context, audioHex string) {
	if len(audioHex) == 0 || len(audioHex) > maxAudioHexLen || !hexAudioPattern.MatchString(audioHex) {
		slog.Warn("Invalid audio payload", "session_id", r.sessionID, "length", len(audioHex))
		r.sendError(ctx, "invalid audio payload")
		return
	}

	status, body := r.backend.Call(ctx, http.MethodPost, "stt", "transcribe", map[string]any{
		"audio":      audioHex,
		"session_id": r.sessionID,
	})
	if status != http.StatusOK {
		slog.Error("Transcription failed", "session_id", r.sessionID, "status", status)
		r.sendError(ctx, errMsgAIUnavailable)
		return
	}

	var stt struct {
		Text           string  `json:"text"`
		ProcessingTime float64 `json:"processing_time"`
	}
	if err := json.Unmarshal(body, &stt); err != nil {
		slog.Error("Bad transcription response", "session_id", r.sessionID, "error", err)
		r.sendError(ctx, errMsgAIUnavailable)
		return
	}
	r.respond(ctx, stt.Text, &stt.ProcessingTime)
}

// respond runs the AI-response pipeline for one user utterance. Any
// failure is contained here: the caller sees a generic error event and
// the session stays up.
func (r *Router) respond(ctx context.Context, userInput string, sttTime *float64) {
	start := time.Now()
	if err := r.runPipeline(ctx, userInput, sttTime, start); err != nil {
		slog.Error("AI pipeline failed", "session_id", r.sessionID, "error", err)
		r.sendError(ctx, errMsgAIUnavailable)
	}
}

type generation struct {
	Response       string  `json:"response"`
	Confidence     float64 `json:"confidence"`
	ShouldTransfer bool    `json:"should_transfer"`
	LeadAnswer     *struct {
		Answer string `json:"answer"`
	} `json:"lead_answer"`
	ProcessingTime float64 `json:"processing_time"`
}

func (r *Router) runPipeline(ctx context.Context, userInput string, sttTime *float64, start time.Time) error {
	session, ok := r.mgr.Snapshot(r.sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	turns, err := r.store.GetContext(ctx, r.sessionID)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}

	documents := r.searchDocuments(ctx, userInput)
	nextQuestion := session.NextLeadQuestion(r.org)

	payload := map[string]any{
		"query":               userInput,
		"context":             tailTurns(turns, contextTrimTurns),
		"session_id":          session.SessionID,
		"org_id":              session.OrgID,
		"documents":           documents,
		"conversation_stage":  session.ConversationStage,
		"remaining_questions": session.PendingRequired,
	}
	if nextQuestion != nil {
		payload["lead_question"] = nextQuestion
	}

	llmStatus, llmBody := r.backend.Call(ctx, http.MethodPost, "llm", "generate", payload)
	if llmStatus != http.StatusOK {
		return fmt.Errorf("language generation failed: HTTP %d", llmStatus)
	}
	gen := generation{Confidence: 1.0}
	if err := json.Unmarshal(llmBody, &gen); err != nil {
		return fmt.Errorf("decode generation: %w", err)
	}

	// Hybrid plans hand off when the generator signals a transfer or
	// its confidence falls below the organization's threshold. No
	// synthesis or lead capture happens on this turn.
	if session.PlanType == domain.PlanHybrid && (gen.ShouldTransfer || gen.Confidence < r.org.AIConfidenceThreshold) {
		reason := domain.TransferComplexQuery
		if gen.Confidence < r.org.AIConfidenceThreshold {
			reason = domain.TransferAIConfidenceLow
		}
		return r.Transfer(ctx, reason)
	}

	var captured *capturedLead
	if gen.LeadAnswer != nil && nextQuestion != nil {
		if r.captureLead(ctx, session.OrgID, *nextQuestion, gen.LeadAnswer.Answer) {
			captured = &capturedLead{QuestionID: nextQuestion.QuestionID, Answer: gen.LeadAnswer.Answer}
		}
	}

	ttsStatus, ttsBody := r.backend.Call(ctx, http.MethodPost, "tts", "synthesize", map[string]any{
		"text":       gen.Response,
		"voice_id":   session.VoiceID,
		"session_id": session.SessionID,
	})
	if ttsStatus != http.StatusOK {
		return fmt.Errorf("speech synthesis failed: HTTP %d", ttsStatus)
	}
	var tts struct {
		Audio          string  `json:"audio"`
		ProcessingTime float64 `json:"processing_time"`
	}
	if err := json.Unmarshal(ttsBody, &tts); err != nil {
		return fmt.Errorf("decode synthesis: %w", err)
	}

	turns = append(turns,
		domain.ContextTurn{Role: "user", Content: userInput},
		domain.ContextTurn{Role: "assistant", Content: gen.Response},
	)
	if err := r.store.SaveContext(ctx, r.sessionID, turns); err != nil {
		return fmt.Errorf("persist context: %w", err)
	}

	if tts.Audio != "" {
		if err := r.store.PublishAudio(ctx, r.sessionID, tts.Audio); err != nil {
			slog.Warn("Failed to publish response audio", "session_id", r.sessionID, "error", err)
		}
	}

	response := aiResponseEvent{
		Type:           "ai_response",
		SessionID:      session.SessionID,
		Transcript:     userInput,
		Response:       gen.Response,
		Audio:          tts.Audio,
		VoiceID:        session.VoiceID,
		Confidence:     gen.Confidence,
		ProcessingTime: time.Since(start).Seconds(),
		LeadCaptured:   captured,
	}
	if sttTime != nil {
		response.Metrics = &responseMetrics{
			STTTime: *sttTime,
			LLMTime: gen.ProcessingTime,
			TTSTime: tts.ProcessingTime,
		}
	}
	return r.mgr.Send(ctx, r.sessionID, response)
}

// searchDocuments queries the knowledge collaborator when retrieval is
// enabled for the organization. Retrieval failures degrade to an empty
// document set rather than failing the turn.
func (r *Router) searchDocuments(ctx context.Context, query string) []json.RawMessage {
	if !r.org.EnableDocumentRetrieval {
		return nil
	}
	status, body := r.backend.Call(ctx, http.MethodPost, "knowledge", "search", map[string]any{
		"org_id": r.org.OrgID,
		"query":  query,
		"limit":  3,
	})
	if status != http.StatusOK {
		slog.Warn("Document search unavailable", "session_id", r.sessionID, "status", status)
		return nil
	}
	var result struct {
		Documents []json.RawMessage `json:"documents"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil
	}
	return result.Documents
}

// captureLead applies the lead-capture rule: the question id moves from
// pending to answered atomically within the manager, and the immutable
// capture fact goes to the leads collaborator. Capture is at-most-once
// within session state and at-least-once toward the collaborator.
func (r *Router) captureLead(ctx context.Context, orgID string, q domain.LeadQuestion, answer string) bool {
	captured, err := r.mgr.CaptureAnswer(ctx, r.sessionID, q.QuestionID, answer)
	if err != nil || !captured {
		return false
	}
	metrics.LeadsCaptured.Inc()

	status, _ := r.backend.Call(ctx, http.MethodPost, "leads", "capture", map[string]any{
		"session_id": r.sessionID,
		"org_id":     orgID,
		"lead_capture": domain.LeadCapture{
			QuestionID:   q.QuestionID,
			QuestionText: q.QuestionText,
			Answer:       answer,
			CapturedAt:   float64(time.Now().UnixMilli()) / 1000,
		},
	})
	if status != http.StatusOK {
		slog.Warn("Lead capture call failed", "session_id", r.sessionID, "question_id", q.QuestionID, "status", status)
	}
	slog.Info("Lead captured", "session_id", r.sessionID, "question_id", q.QuestionID)
	return true
}

// Transfer runs the transfer pipeline. ai_only plans are rejected with
// no state change; otherwise mode goes to transferring and either to
// human on success or back to ai on failure, leaving the session usable
// either way.
func (r *Router) Transfer(ctx context.Context, reason domain.TransferReason) error {
	session, ok := r.mgr.Snapshot(r.sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if session.PlanType == domain.PlanAIOnly {
		metrics.Transfers.WithLabelValues("rejected").Inc()
		r.sendError(ctx, "Transfer not available")
		return ErrTransferUnavailable
	}

	transferring := domain.ModeTransferring
	if err := r.mgr.Update(ctx, r.sessionID, Patch{AgentMode: &transferring, TransferReason: &reason}); err != nil {
		return err
	}

	turns, err := r.store.GetContext(ctx, r.sessionID)
	if err != nil {
		slog.Warn("Failed to load context for transfer", "session_id", r.sessionID, "error", err)
	}

	status, body := r.backend.Call(ctx, http.MethodPost, "agent", "transfer", map[string]any{
		"session_id":        session.SessionID,
		"org_id":            session.OrgID,
		"reason":            reason,
		"context":           tailTurns(turns, transferContextTurns),
		"leads":             session.LeadAnswers,
		"pending_questions": session.PendingRequired,
	})
	if status == http.StatusOK {
		var resp struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			slog.Warn("Bad transfer response", "session_id", r.sessionID, "error", err)
		}
		human := domain.ModeHuman
		if err := r.mgr.Update(ctx, r.sessionID, Patch{AgentMode: &human, HumanAgentID: &resp.AgentID}); err != nil {
			return err
		}
		metrics.Transfers.WithLabelValues("success").Inc()
		slog.Info("Transfer complete", "session_id", r.sessionID, "agent_id", resp.AgentID, "reason", reason)
		return r.mgr.Send(ctx, r.sessionID, transferCompleteEvent{
			Type:      "transfer_complete",
			SessionID: session.SessionID,
			AgentID:   resp.AgentID,
			Message:   "Connected to human agent",
		})
	}

	ai := domain.ModeAI
	if err := r.mgr.Update(ctx, r.sessionID, Patch{AgentMode: &ai}); err != nil {
		return err
	}
	metrics.Transfers.WithLabelValues("failed").Inc()
	slog.Warn("Transfer failed", "session_id", r.sessionID, "status", status, "reason", reason)
	r.sendError(ctx, "Transfer failed")
	return nil
}

// PromptPendingRequired asks the still-unanswered required questions,
// lowest order first. Used when the call enters the closing stage and
// when an unforced end_call arrives with questions outstanding.
func (r *Router) PromptPendingRequired(ctx context.Context) {
	session, ok := r.mgr.Snapshot(r.sessionID)
	if !ok {
		return
	}
	for _, q := range session.PendingRequiredQuestions(r.org) {
		r.askQuestion(ctx, q)
	}
}

// askQuestion synthesizes and emits one lead question, then marks it
// asked. A synthesis failure skips the question; it stays pending.
func (r *Router) askQuestion(ctx context.Context, q domain.LeadQuestion) {
	session, ok := r.mgr.Snapshot(r.sessionID)
	if !ok {
		return
	}

	status, body := r.backend.Call(ctx, http.MethodPost, "tts", "synthesize", map[string]any{
		"text":       q.QuestionText,
		"voice_id":   session.VoiceID,
		"session_id": session.SessionID,
	})
	if status != http.StatusOK {
		slog.Error("Failed to synthesize lead question", "session_id", r.sessionID, "question_id", q.QuestionID, "status", status)
		return
	}
	var tts struct {
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(body, &tts); err != nil {
		slog.Error("Bad synthesis response for lead question", "session_id", r.sessionID, "error", err)
		return
	}

	if err := r.mgr.Send(ctx, r.sessionID, leadQuestionEvent{
		Type:       "lead_question",
		SessionID:  session.SessionID,
		QuestionID: q.QuestionID,
		Text:       q.QuestionText,
		Audio:      tts.Audio,
		Required:   q.Required,
	}); err != nil {
		slog.Warn("Failed to send lead question", "session_id", r.sessionID, "error", err)
		return
	}

	if err := r.mgr.Update(ctx, r.sessionID, Patch{AppendAsked: []string{q.QuestionID}}); err != nil {
		slog.Warn("Failed to record asked question", "session_id", r.sessionID, "error", err)
	}
}

// Welcome opens the conversation after admission: AI sessions greet the
// caller with the organization's greeting; human_only sessions are
// attached to an agent immediately.
func (r *Router) Welcome(ctx context.Context) {
	session, ok := r.mgr.Snapshot(r.sessionID)
	if !ok {
		return
	}

	switch session.AgentMode {
	case domain.ModeAI:
		greeting := r.org.GreetingMessage
		if greeting == "" {
			greeting = "Hello! How can I assist you today?"
		}
		status, body := r.backend.Call(ctx, http.MethodPost, "tts", "synthesize", map[string]any{
			"text":       greeting,
			"voice_id":   session.VoiceID,
			"session_id": session.SessionID,
		})
		var tts struct {
			Audio string `json:"audio"`
		}
		if status == http.StatusOK {
			if err := json.Unmarshal(body, &tts); err != nil {
				slog.Warn("Bad greeting synthesis response", "session_id", r.sessionID, "error", err)
			}
		}
		if err := r.mgr.Send(ctx, r.sessionID, aiResponseEvent{
			Type:       "ai_response",
			SessionID:  session.SessionID,
			Response:   greeting,
			Audio:      tts.Audio,
			VoiceID:    session.VoiceID,
			Confidence: 1.0,
		}); err != nil {
			slog.Warn("Failed to send greeting", "session_id", r.sessionID, "error", err)
		}
	case domain.ModeHuman:
		if err := r.Transfer(ctx, domain.TransferEscalation); err != nil {
			slog.Warn("Initial human attach failed", "session_id", r.sessionID, "error", err)
		}
	}
}

// Finalize runs the call-end pipeline. Unforced termination with
// unanswered required questions asks them instead of closing. The
// external side effects (leads finalize, billing) run at most once per
// session no matter how many times the pipeline is entered; they are
// best-effort and never re-raised. Returns true once the session is
// closed.
func (r *Router) Finalize(ctx context.Context, forced bool) bool {
	session, ok := r.mgr.Snapshot(r.sessionID)
	if !ok {
		return true
	}

	if !forced {
		if pending := session.PendingRequiredQuestions(r.org); len(pending) > 0 {
			slog.Info("End-call deferred for pending required questions",
				"session_id", r.sessionID,
				"pending", len(pending),
			)
			r.PromptPendingRequired(ctx)
			return false
		}
	}

	if !r.closed.CompareAndSwap(false, true) {
		return true
	}

	if len(session.LeadAnswers) > 0 {
		status, _ := r.backend.Call(ctx, http.MethodPost, "leads", "finalize", map[string]any{
			"session_id": session.SessionID,
			"org_id":     session.OrgID,
			"leads":      session.LeadAnswers,
		})
		if status != http.StatusOK {
			slog.Warn("Leads finalize failed", "session_id", r.sessionID, "status", status)
		}
	}

	status, _ := r.backend.Call(ctx, http.MethodPost, "billing", "record-call", map[string]any{
		"org_id":     session.OrgID,
		"session_id": session.SessionID,
		"duration":   session.CallDuration,
		"agent_mode": session.AgentMode,
	})
	if status != http.StatusOK {
		slog.Warn("Billing record failed", "session_id", r.sessionID, "status", status)
	}

	if err := r.mgr.Send(ctx, r.sessionID, callEndEvent{
		Type:          "call_end",
		SessionID:     session.SessionID,
		Duration:      session.CallDuration,
		LeadsCaptured: len(session.LeadAnswers),
	}); err != nil {
		slog.Debug("Failed to send call_end event", "session_id", r.sessionID, "error", err)
	}

	if err := r.store.DeleteSession(ctx, r.sessionID); err != nil {
		slog.Warn("Failed to delete persisted session", "session_id", r.sessionID, "error", err)
	}

	slog.Info("Call finalized",
		"session_id", r.sessionID,
		"forced", forced,
		"duration", session.CallDuration,
		"leads_captured", len(session.LeadAnswers),
	)
	return true
}

func (r *Router) sendError(ctx context.Context, message string) {
	if err := r.mgr.Send(ctx, r.sessionID, errorEvent{
		Type:      "error",
		SessionID: r.sessionID,
		Message:   message,
	}); err != nil {
		slog.Debug("Failed to send error event", "session_id", r.sessionID, "error", err)
	}
}

func tailTurns(turns []domain.ContextTurn, n int) []domain.ContextTurn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
