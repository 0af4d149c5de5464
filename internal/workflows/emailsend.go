// Package workflows implements the Specialized Workflows (C8): linear
// pipelines that replace the generic Planner/Executor Loop when ordering is
// known and the model adds no value (spec.md §4.8). They share Session
// State with the main graph and record their outcome in their own
// workflow-context fields, final_response and messages; they do not write
// mcp_results.
package workflows

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/brightfunnel/reachctl/internal/placeholder"
	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/transport"
)

// ShortLink is one shortener-produced link for a contact/url pair.
type ShortLink struct {
	ShortURL string
	LinkID   string
}

// EmailSend drives the email-send workflow (spec §4.8.1).
type EmailSend struct {
	crm       transport.Caller
	brevo     transport.Caller
	linkly    transport.Caller
	adapter   *transport.Adapter
	resolver  *placeholder.Resolver
	logger    telemetry.Logger
}

// NewEmailSend wires the three backing services the workflow drives:
// crm (campaign/contact/member data), brevo (transactional email), and
// linkly (URL shortener) — named for the service roles this workflow plays
// against, matching the teacher's per-concern constructor style.
func NewEmailSend(crm, brevo, linkly transport.Caller, adapter *transport.Adapter, resolver *placeholder.Resolver, logger telemetry.Logger) *EmailSend {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &EmailSend{crm: crm, brevo: brevo, linkly: linkly, adapter: adapter, resolver: resolver, logger: logger}
}

var dirtyTemplateIDRe = regexp.MustCompile(`^(\d+)\s*-\s*.+$`)

// NormalizeTemplateID strips a trailing picklist label from a "dirty"
// template id ("3 - Welcome" -> "3"), per spec §4.8.1 step 1.
func NormalizeTemplateID(raw string) string {
	if m := dirtyTemplateIDRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}

// trackingURLPatterns filters obvious tracking/unsubscribe/image URLs out
// of the link-analysis stage (spec §4.8.1 step 2).
var trackingURLPatterns = []string{"unsubscribe", "/track", "pixel", ".png", ".jpg", ".gif", "click?", "open?"}

func isTrackingURL(href string) bool {
	lower := strings.ToLower(href)
	for _, p := range trackingURLPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

var templateVarRe = regexp.MustCompile(`\{\{\s*params\.([A-Za-z0-9_]+)\s*\}\}`)

// AnalyzeLinks implements spec §4.8.1 step 2: parse the rendered preview
// HTML for every non-tracking href URL and every {{ params.NAME }} template
// variable.
func AnalyzeLinks(html string) (urls []string, vars []string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("workflows: parse preview html: %w", err)
	}
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || isTrackingURL(href) || seen[href] {
			return
		}
		seen[href] = true
		urls = append(urls, href)
	})

	varSeen := make(map[string]bool)
	for _, m := range templateVarRe.FindAllStringSubmatch(html, -1) {
		if !varSeen[m[1]] {
			varSeen[m[1]] = true
			vars = append(vars, m[1])
		}
	}
	return urls, vars, nil
}

// synonyms maps template variable names to contact field synonyms for
// case-insensitive intersection (spec §4.8.1 step 4).
var synonyms = map[string][]string{
	"name":       {"name", "fullname"},
	"firstname":  {"firstname", "first_name", "fname"},
	"lastname":   {"lastname", "last_name", "lname"},
	"email":      {"email"},
}

const linkParamName = "LINK"

// BuildContactParams intersects a contact's fields with the
// template-variable set and injects the first short URL under the
// reserved LINK parameter (spec §4.8.1 step 4).
func BuildContactParams(contact state.Record, templateVars []string, firstShortURL string) map[string]any {
	params := make(map[string]any)
	lowerContact := make(map[string]any, len(contact))
	for k, v := range contact {
		lowerContact[strings.ToLower(k)] = v
	}
	for _, tv := range templateVars {
		lowerVar := strings.ToLower(tv)
		if v, ok := lowerContact[lowerVar]; ok {
			params[tv] = v
			continue
		}
		for _, candidate := range synonyms[lowerVar] {
			if v, ok := lowerContact[candidate]; ok {
				params[tv] = v
				break
			}
		}
	}
	if firstShortURL != "" {
		params[linkParamName] = firstShortURL
	}
	return params
}

// ParseBatchSendResponse parses a batch-send tool response into
// successfully-sent (lowercased) emails and failed sends with reasons
// (spec §4.8.1 step 4). Per spec §9 decision 2, when neither list is
// present the fallback assumes every recipient sent — flagged via logger.
func ParseBatchSendResponse(logger telemetry.Logger, resp map[string]any, recipients []string) (sent []string, failed map[string]string) {
	failed = make(map[string]string)
	if raw, ok := resp["successfully_sent_emails"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				sent = append(sent, strings.ToLower(s))
			}
		}
	}
	if raw, ok := resp["failed_sends"].(map[string]any); ok {
		for email, reason := range raw {
			failed[strings.ToLower(email)] = fmt.Sprintf("%v", reason)
		}
	}
	if len(sent) == 0 && len(failed) == 0 {
		if logger == nil {
			logger = telemetry.NewNoopLogger()
		}
		logger.Warn(context.Background(), "workflows: batch-send response lacked explicit success/failure lists, assuming all sent")
		for _, r := range recipients {
			sent = append(sent, strings.ToLower(r))
		}
	}
	return sent, failed
}

// MemberUpdateFields builds the CampaignMember update field map for a
// successfully-sent, non-bounced recipient (spec §4.8.1 step 6).
func MemberUpdateFields(shortURL, linkID string) map[string]any {
	return map[string]any{"Status": "Sent", "Link__c": shortURL, "LinkId__c": linkID}
}

// Fail marks the workflow as failed and writes a remediation message to
// final_response, short-circuiting later stages (spec §4.8.1: "Failures at
// any step set error and workflow_failed").
func Fail(st *state.State, message string) {
	st.WorkflowFailed = true
	st.Error = message
	st.FinalResponse = message
}

// Preview implements spec §4.8.1 step 1: require a campaign record (with
// embedded template id) and a contact collection. On success it returns the
// normalized template id and the contact rows.
func Preview(st *state.State) (templateID string, contacts []state.Record, ok bool) {
	campaigns := st.SharedResultSets["campaign"]
	contacts, hasContacts := st.SharedResultSets["contacts"]
	if len(campaigns) == 0 || !hasContacts || len(contacts) == 0 {
		campaign := firstOrNil(campaigns)
		if campaign != nil {
			if id := campaign.ID(); id != "" {
				if name, ok := campaign["Name"].(string); ok {
					st.AddCreatedRecord("Campaign", state.CreatedRef{ID: id, Name: name})
				}
			}
		}
		Fail(st, "I need both a campaign (with an email template) and a contact list before I can send this email.")
		return "", nil, false
	}
	campaign := campaigns[0]
	rawTemplateID, _ := campaign["Email_template__c"].(string)
	if rawTemplateID == "" {
		if id := campaign.ID(); id != "" {
			if name, ok := campaign["Name"].(string); ok {
				st.AddCreatedRecord("Campaign", state.CreatedRef{ID: id, Name: name})
			}
		}
		Fail(st, "This campaign doesn't have an email template set.")
		return "", nil, false
	}
	return NormalizeTemplateID(rawTemplateID), contacts, true
}

func firstOrNil(rows []state.Record) state.Record {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

