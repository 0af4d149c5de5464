package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brightfunnel/reachctl/internal/model"
	"github.com/brightfunnel/reachctl/internal/state"
)

// ActiveWorkflowEmailBuilder is the sticky-routing label the orchestration
// graph matches to keep bypassing the orchestrator (spec §4.8.4).
const ActiveWorkflowEmailBuilder = "email_builder_agent"

// exitKeywords clear sticky email-builder mode (spec §4.8.4: "cleared by
// exit keywords").
var exitKeywords = []string{"stop", "exit", "cancel"}

// saveKeywords signal a transition into the save-template workflow.
var saveKeywords = []string{"save"}

// EmailBuilder drafts and refines email content (spec §4.8.4).
type EmailBuilder struct {
	modelCli model.Client
}

// NewEmailBuilder constructs an EmailBuilder node.
func NewEmailBuilder(modelCli model.Client) *EmailBuilder {
	return &EmailBuilder{modelCli: modelCli}
}

// Intent classifies the user's utterance against the email builder's
// sticky-exit rules (spec §4.8.4).
type Intent int

const (
	// IntentContinue keeps sticky mode active and drafts/refines content.
	IntentContinue Intent = iota
	// IntentExit clears sticky mode without transitioning anywhere.
	IntentExit
	// IntentSave clears sticky mode and transitions to the save-template
	// workflow.
	IntentSave
)

// ClassifyIntent implements spec §4.8.4's exit/save/continue routing. A
// named, different service in next_action also exits sticky mode.
func ClassifyIntent(utterance string, nextAction string) Intent {
	lower := strings.ToLower(utterance)
	for _, kw := range saveKeywords {
		if strings.Contains(lower, kw) {
			return IntentSave
		}
	}
	for _, kw := range exitKeywords {
		if strings.Contains(lower, kw) {
			return IntentExit
		}
	}
	if nextAction != "" && nextAction != ActiveWorkflowEmailBuilder {
		return IntentExit
	}
	return IntentContinue
}

// emailBuilderSchema is the output schema enforced on the drafting model
// call (spec §4.8.4).
const emailBuilderSchema = `{"subject":string,"body_html":string,"body_text":string,"tone":string,"suggested_audience":string}`

type emailBuilderOutput struct {
	Subject           string `json:"subject"`
	BodyHTML          string `json:"body_html"`
	BodyText          string `json:"body_text"`
	Tone              string `json:"tone"`
	SuggestedAudience string `json:"suggested_audience"`
}

// Draft produces or refines the in-progress email content and keeps sticky
// mode active, per spec §4.8.4.
func (b *EmailBuilder) Draft(ctx context.Context, st *state.State, utterance string) error {
	var priorSubject, priorBody string
	if st.GeneratedEmailContent != nil {
		priorSubject = st.GeneratedEmailContent.Subject
		priorBody = st.GeneratedEmailContent.Body
	}

	resp, err := b.modelCli.Complete(ctx, model.Request{
		System: "You draft or refine marketing email content. Respond with JSON matching schema " + emailBuilderSchema + ".",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: fmt.Sprintf("prior_subject=%q prior_body=%q request=%q", priorSubject, priorBody, utterance)},
		},
	})
	if err != nil {
		return fmt.Errorf("workflows: draft email content: %w", err)
	}

	var out emailBuilderOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &out); err != nil {
		return fmt.Errorf("workflows: parse email builder output: %w", err)
	}

	st.GeneratedEmailContent = &state.GeneratedEmail{Subject: out.Subject, Body: out.BodyHTML, Sticky: true}
	st.ActiveWorkflow = ActiveWorkflowEmailBuilder
	return nil
}

// Exit clears sticky mode without producing a transition (spec §4.8.4).
func Exit(st *state.State) {
	st.ActiveWorkflow = ""
	if st.GeneratedEmailContent != nil {
		st.GeneratedEmailContent.Sticky = false
	}
}
