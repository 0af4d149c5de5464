// Package interrupt implements the Interrupt/Resume Protocol (C10): the two
// control payloads a node can suspend with, and the resume logic that
// parses a client's answer back into a plan_override (spec.md §4.10).
package interrupt

import (
	"regexp"
	"strings"

	"github.com/brightfunnel/reachctl/internal/schema"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/stream"
)

// ReviewProposalPayload builds the control payload for a review_proposal
// suspension (spec §4.10). availableFields comes from schema.AvailableFields,
// mirroring original_source/nodes/completion.py's get_available_fields.
func ReviewProposalPayload(details *state.ProposalDetails, relatedRecords []any, availableFields []schema.AvailableField) stream.ReviewProposal {
	proposal := stream.Proposal{
		Object:          details.Object,
		ActionType:      details.ActionType,
		RelatedRecords:  relatedRecords,
		AvailableFields: toStreamFields(availableFields),
	}
	if len(details.Calls) > 0 {
		call := details.Calls[0]
		for name, value := range call.Arguments {
			proposal.Fields = append(proposal.Fields, stream.ProposalField{Name: name, Value: value, Label: name})
		}
	}
	return stream.NewReviewProposal(proposal, details.Summary)
}

func toStreamFields(fields []schema.AvailableField) []stream.AvailableField {
	out := make([]stream.AvailableField, 0, len(fields))
	for _, f := range fields {
		sf := stream.AvailableField{Label: f.Label, Name: f.Name, Type: f.Type}
		for _, p := range f.PicklistValues {
			sf.PicklistValues = append(sf.PicklistValues, stream.AvailableFieldOption{Label: p.Label, Value: p.Value})
		}
		out = append(out, sf)
	}
	return out
}

// ConfirmationPayload builds the control payload for a yes/no confirmation
// suspension (spec §4.10).
func ConfirmationPayload(message string, options []string) stream.Confirmation {
	return stream.NewConfirmation(message, options)
}

var inlineEditRe = regexp.MustCompile(`([A-Za-z0-9_]+)\s*=\s*'([^']*)'`)

// ParseInlineEdits parses the "Details: Field='value', Field2='value2'"
// syntax from a resume answer (spec §4.10 "review_proposal" resume).
func ParseInlineEdits(answer string) map[string]string {
	const prefix = "Details:"
	idx := strings.Index(answer, prefix)
	if idx < 0 {
		return nil
	}
	body := answer[idx+len(prefix):]
	matches := inlineEditRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make(map[string]string, len(matches))
	for _, m := range matches {
		out[m[1]] = m[2]
	}
	return out
}

// ResumeReviewProposal applies spec §4.10's review_proposal resume step: it
// parses optional inline edits, mutates the mutating call's field map, sets
// plan_override to the remaining plan, and clears the pending proposal.
func ResumeReviewProposal(st *state.State, answer string) {
	edits := ParseInlineEdits(answer)
	plan := st.PendingProposalPlan
	if plan != nil && len(edits) > 0 && len(plan.Calls) > 0 {
		call := plan.Calls[0]
		if call.Arguments == nil {
			call.Arguments = make(map[string]any)
		}
		for field, value := range edits {
			call.Arguments[field] = value
		}
		plan.Calls[0] = call
	}
	st.PlanOverride = plan
	st.ClearProposal()
}

// isYes reports whether token is a member of the "yes" family
// (spec §4.10 "branches on a yes-family token").
var yesTokens = map[string]bool{"yes": true, "y": true, "yep": true, "yeah": true, "sure": true, "confirm": true, "ok": true, "okay": true}

// IsYes reports whether answer is a "yes"-family token.
func IsYes(answer string) bool {
	return yesTokens[strings.ToLower(strings.TrimSpace(answer))]
}

// ResumeConfirmation branches on a "yes"-family token, per spec §4.10.
// onYes is invoked when the user confirmed; onOther otherwise.
func ResumeConfirmation(answer string, onYes, onOther func()) {
	if IsYes(answer) {
		if onYes != nil {
			onYes()
		}
		return
	}
	if onOther != nil {
		onOther()
	}
}
