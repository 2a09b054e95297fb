// Package domain holds the call-center data model shared across the gateway.
package domain

import "fmt"

// PlanType determines who handles a call and how long it may run.
type PlanType string

const (
	PlanHumanOnly PlanType = "human_only"
	PlanAIOnly    PlanType = "ai_only"
	PlanHybrid    PlanType = "hybrid"
)

// VoiceStatus reports readiness of a synthesized voice.
type VoiceStatus string

const (
	VoiceReady      VoiceStatus = "ready"
	VoiceProcessing VoiceStatus = "processing"
	VoiceFailed     VoiceStatus = "failed"
)

// LeadQuestion is a piece of information an organization wants captured
// during a call. Order is the ascending tie-break key among questions
// eligible at the same stage.
type LeadQuestion struct {
	QuestionID   string            `json:"question_id"`
	QuestionText string            `json:"question_text"`
	Required     bool              `json:"required"`
	Order        int               `json:"order"`
	TriggerStage ConversationStage `json:"trigger_condition"`
}

// OrganizationConfig is the tenant configuration read once at admission.
// It is immutable for the lifetime of a session.
type OrganizationConfig struct {
	OrgID                   string             `json:"org_id"`
	OrgName                 string             `json:"org_name"`
	PlanType                PlanType           `json:"plan_type"`
	VoiceID                 string             `json:"voice_id"`
	FallbackVoiceID         string             `json:"fallback_voice_id"`
	VoiceSettings           map[string]float64 `json:"voice_settings"`
	GreetingMessage         string             `json:"greeting_message"`
	LeadQuestions           []LeadQuestion     `json:"lead_questions"`
	TransferKeywords        []string           `json:"transfer_keywords"`
	AIConfidenceThreshold   float64            `json:"ai_confidence_threshold"`
	EnableDocumentRetrieval bool               `json:"enable_document_retrieval"`
	MaxCallDuration         int                `json:"max_call_duration"`
	SubscriptionActive      bool               `json:"subscription_active"`
}

// Validate rejects configurations the gateway cannot serve. If any lead
// question triggers at the greeting stage, exactly one greeting-stage
// question with order 1 must exist so the call has an unambiguous
// opener. Ordering is per stage; order-1 questions at other stages do
// not count against the greeting opener.
func (o *OrganizationConfig) Validate() error {
	hasGreeting := false
	greetingOrderOnes := 0
	for _, q := range o.LeadQuestions {
		if q.TriggerStage != StageGreeting {
			continue
		}
		hasGreeting = true
		if q.Order == 1 {
			greetingOrderOnes++
		}
	}
	if hasGreeting && greetingOrderOnes != 1 {
		return fmt.Errorf("organization %s: greeting-stage lead questions require exactly one greeting question with order 1, found %d", o.OrgID, greetingOrderOnes)
	}
	return nil
}

// RequiredQuestionIDs returns the ids of all required lead questions.
func (o *OrganizationConfig) RequiredQuestionIDs() []string {
	var ids []string
	for _, q := range o.LeadQuestions {
		if q.Required {
			ids = append(ids, q.QuestionID)
		}
	}
	return ids
}

// QuestionByID looks up a lead question by its id.
func (o *OrganizationConfig) QuestionByID(id string) (LeadQuestion, bool) {
	for _, q := range o.LeadQuestions {
		if q.QuestionID == id {
			return q, true
		}
	}
	return LeadQuestion{}, false
}
