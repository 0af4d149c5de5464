package workflows

import (
	"context"
	"fmt"

	"github.com/brightfunnel/reachctl/internal/interrupt"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/stream"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/transport"
)

// SaveTemplate drives the save-template workflow (spec §4.8.3), which
// suspends mid-flow for a yes/no confirmation before linking the new
// template to the campaign.
type SaveTemplate struct {
	brevo   transport.Caller
	crm     transport.Caller
	adapter *transport.Adapter
	logger  telemetry.Logger
}

// NewSaveTemplate wires the transactional-email service (template creation)
// and the CRM (picklist metadata, campaign upsert).
func NewSaveTemplate(brevo, crm transport.Caller, adapter *transport.Adapter, logger telemetry.Logger) *SaveTemplate {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &SaveTemplate{brevo: brevo, crm: crm, adapter: adapter, logger: logger}
}

// templateReferenceField is the CRM field whose picklist holds the
// "<id>-<name>" values email templates are selected from.
const templateReferenceField = "Email_template__c"

// Start implements spec §4.8.3 steps 1-2 and builds the confirmation
// payload for step 3. It returns nil (with final_response set) when the
// workflow aborts before reaching the interrupt.
func (w *SaveTemplate) Start(ctx context.Context, st *state.State, subject, bodyHTML, bodyText string) (*stream.Confirmation, error) {
	campaigns := st.SharedResultSets["campaign"]
	if len(campaigns) == 0 {
		Fail(st, "I need a campaign in context before I can save and link an email template.")
		return nil, nil
	}
	campaign := campaigns[0]

	resp, err := w.brevo.CallTool(ctx, transport.CallRequest{Tool: "create_template", Arguments: map[string]any{
		"subject":   subject,
		"body_html": bodyHTML,
		"body_text": bodyText,
	}})
	if err != nil {
		return nil, fmt.Errorf("workflows: create template: %w", err)
	}
	obj, err := parseToolJSONObject(resp)
	if err != nil {
		return nil, fmt.Errorf("workflows: parse create_template response: %w", err)
	}
	templateID, _ := obj["id"].(string)
	if templateID == "" {
		Fail(st, "The email template was created but returned no id.")
		return nil, nil
	}

	picklistValue := fmt.Sprintf("%s-%s", templateID, subject)

	aborted, err := w.ensurePicklistValue(ctx, picklistValue)
	if err != nil {
		return nil, fmt.Errorf("workflows: ensure picklist value: %w", err)
	}
	if aborted {
		Fail(st, "This template field is a global value set, so I can't add a new value to it automatically.")
		return nil, nil
	}

	st.SaveWorkflowContext = map[string]any{
		"template_id":    templateID,
		"picklist_value": picklistValue,
		"campaign_id":    campaign.ID(),
		"campaign_name":  campaign["Name"],
	}
	confirmation := interrupt.ConfirmationPayload(
		fmt.Sprintf("Saved the template. Link it to campaign %q?", campaign["Name"]),
		[]string{"Yes", "No"},
	)
	return &confirmation, nil
}

// ensurePicklistValue implements spec §4.8.3 step 2: query the field's
// metadata, append the new value to its value-set if absent, re-PATCH the
// field. Reports abort=true when the field is a global value set.
func (w *SaveTemplate) ensurePicklistValue(ctx context.Context, value string) (aborted bool, err error) {
	resp, err := w.crm.CallTool(ctx, transport.CallRequest{Tool: "describe_field", Arguments: map[string]any{"field": templateReferenceField}})
	if err != nil {
		return false, err
	}
	meta, err := parseToolJSONObject(resp)
	if err != nil {
		return false, err
	}
	if global, _ := meta["is_global_value_set"].(bool); global {
		return true, nil
	}

	values, _ := meta["picklist_values"].([]any)
	for _, v := range values {
		if s, ok := v.(string); ok && s == value {
			return false, nil
		}
	}
	values = append(values, value)

	_, err = w.crm.CallTool(ctx, transport.CallRequest{Tool: "patch_field", Arguments: map[string]any{
		"field":           templateReferenceField,
		"picklist_values": values,
	}})
	return false, err
}

// Resume implements spec §4.8.3 step 3's resume branch: "Yes" links the
// template to the campaign with a batch upsert; anything else cancels with
// no CRM mutation.
func (w *SaveTemplate) Resume(ctx context.Context, st *state.State, answer string) error {
	ctxData := st.SaveWorkflowContext
	var upsertErr error
	interrupt.ResumeConfirmation(answer,
		func() {
			campaignID, _ := ctxData["campaign_id"].(string)
			picklistValue, _ := ctxData["picklist_value"].(string)
			_, upsertErr = w.crm.CallTool(ctx, transport.CallRequest{Tool: "batch_upsert_campaign", Arguments: map[string]any{
				"records": []any{map[string]any{"record_id": campaignID, "fields": map[string]any{templateReferenceField: picklistValue}}},
			}})
			if upsertErr == nil {
				st.FinalResponse = "Saved the template and linked it to the campaign."
			}
		},
		func() {
			st.FinalResponse = "Saved the template, but didn't link it to the campaign."
		},
	)
	if upsertErr != nil {
		return fmt.Errorf("workflows: link template to campaign: %w", upsertErr)
	}
	st.SaveWorkflowContext = nil
	return nil
}
