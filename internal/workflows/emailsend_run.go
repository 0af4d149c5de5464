package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/transport"
)

// RunFromTemplate resolves the campaign's template, fetches its rendered
// preview HTML from the transactional service, and drives the workflow
// (spec §4.8.1 step 1-2). It is the entry point the orchestration graph
// calls for the email_workflow node.
func (w *EmailSend) RunFromTemplate(ctx context.Context, st *state.State) {
	templateID, _, ok := Preview(st)
	if !ok {
		return
	}
	resp, err := w.brevo.CallTool(ctx, transport.CallRequest{Tool: "render_template", Arguments: map[string]any{"template_id": templateID}})
	if err != nil {
		Fail(st, "Couldn't render the email preview: "+err.Error())
		return
	}
	obj, err := parseToolJSONObject(resp)
	if err != nil {
		Fail(st, "Couldn't parse the rendered email preview: "+err.Error())
		return
	}
	html, _ := obj["html"].(string)
	w.Run(ctx, st, html)
}

// Run drives the email-send workflow end to end (spec §4.8.1). renderedHTML
// is the already-rendered preview for the resolved template, produced
// upstream by the transactional service.
func (w *EmailSend) Run(ctx context.Context, st *state.State, renderedHTML string) {
	templateID, contacts, ok := Preview(st)
	if !ok {
		return
	}

	urls, templateVars, err := AnalyzeLinks(renderedHTML)
	if err != nil {
		Fail(st, "Couldn't analyze the email preview: "+err.Error())
		return
	}

	shortLinks := make(map[string]map[string]ShortLink) // contactId -> originalURL -> link
	if len(urls) > 0 {
		shortLinks, err = w.shortenLinks(ctx, contacts, urls)
		if err != nil {
			Fail(st, "Couldn't shorten links: "+err.Error())
			return
		}
	}

	sentEmails, failedSends, err := w.send(ctx, contacts, templateID, templateVars, shortLinks)
	if err != nil {
		Fail(st, "Couldn't send the email: "+err.Error())
		return
	}

	sentEmails, failedSends = w.checkDelivery(ctx, sentEmails, failedSends)

	if err := w.updateSalesforce(ctx, st, contacts, sentEmails, failedSends, shortLinks); err != nil {
		Fail(st, "Email sent, but updating Salesforce failed: "+err.Error())
		return
	}

	st.EmailWorkflowContext = map[string]any{
		"campaign_id":   st.SharedResultSets["campaign"][0].ID(),
		"campaign_name": st.SharedResultSets["campaign"][0]["Name"],
		"sent_count":    len(sentEmails),
		"failed_count":  len(failedSends),
	}
}

func (w *EmailSend) shortenLinks(ctx context.Context, contacts []state.Record, urls []string) (map[string]map[string]ShortLink, error) {
	var items []any
	for _, c := range contacts {
		for _, u := range urls {
			items = append(items, map[string]any{"contact_id": c.ID(), "url": u})
		}
	}
	resp, err := w.linkly.CallTool(ctx, transport.CallRequest{Tool: "batch_shorten_urls", Arguments: map[string]any{"items": items}})
	if err != nil {
		return nil, err
	}
	rows := w.adapter.ExtractRows(resp)

	out := make(map[string]map[string]ShortLink)
	for _, row := range rows {
		contactID, _ := row["contact_id"].(string)
		originalURL, _ := row["url"].(string)
		shortURL, _ := row["short_url"].(string)
		linkID, _ := row["link_id"].(string)
		if out[contactID] == nil {
			out[contactID] = make(map[string]ShortLink)
		}
		out[contactID][originalURL] = ShortLink{ShortURL: shortURL, LinkID: linkID}
	}
	return out, nil
}

func (w *EmailSend) send(ctx context.Context, contacts []state.Record, templateID string, templateVars []string, shortLinks map[string]map[string]ShortLink) ([]string, map[string]string, error) {
	var recipients []any
	var recipientEmails []string
	for _, c := range contacts {
		firstShort := firstShortURL(shortLinks[c.ID()])
		params := BuildContactParams(c, templateVars, firstShort)
		email, _ := c["Email"].(string)
		recipientEmails = append(recipientEmails, email)
		recipients = append(recipients, map[string]any{"email": email, "params": params})
	}

	resp, err := w.brevo.CallTool(ctx, transport.CallRequest{Tool: "send_batch_emails", Arguments: map[string]any{
		"template_id": templateID,
		"recipients":  recipients,
	}})
	if err != nil {
		return nil, nil, err
	}
	parsed, err := parseToolJSONObject(resp)
	if err != nil {
		return nil, nil, err
	}
	sent, failed := ParseBatchSendResponse(w.logger, parsed, recipientEmails)
	return sent, failed, nil
}

func firstShortURL(byURL map[string]ShortLink) string {
	return firstShortLink(byURL).ShortURL
}

func firstShortLink(byURL map[string]ShortLink) ShortLink {
	for _, v := range byURL {
		return v
	}
	return ShortLink{}
}

func (w *EmailSend) checkDelivery(ctx context.Context, sent []string, failed map[string]string) ([]string, map[string]string) {
	resp, err := w.brevo.CallTool(ctx, transport.CallRequest{Tool: "query_delivery_status", Arguments: map[string]any{"emails": sent}})
	if err != nil {
		return sent, failed
	}
	parsed, err := parseToolJSONObject(resp)
	if err != nil {
		return sent, failed
	}
	bounced, _ := parsed["bounced"].([]any)
	bouncedSet := make(map[string]bool, len(bounced))
	for _, b := range bounced {
		if s, ok := b.(string); ok {
			bouncedSet[strings.ToLower(s)] = true
		}
	}
	var remaining []string
	for _, email := range sent {
		if bouncedSet[email] {
			failed[email] = "bounced"
			continue
		}
		remaining = append(remaining, email)
	}
	return remaining, failed
}

func (w *EmailSend) updateSalesforce(ctx context.Context, st *state.State, contacts []state.Record, sent []string, failed map[string]string, shortLinks map[string]map[string]ShortLink) error {
	members := st.SharedResultSets["CampaignMember"]
	if len(members) == 0 {
		resp, err := w.crm.CallTool(ctx, transport.CallRequest{Tool: "query_campaign_members", Arguments: map[string]any{
			"campaign_id": st.SharedResultSets["campaign"][0].ID(),
		}})
		if err != nil {
			return err
		}
		members = w.adapter.ExtractRows(resp)
	}

	sentSet := make(map[string]bool, len(sent))
	for _, e := range sent {
		sentSet[strings.ToLower(e)] = true
	}

	var upserts []any
	for _, m := range members {
		contactID, _ := m["ContactId"].(string)
		var email string
		for _, c := range contacts {
			if c.ID() == contactID {
				email, _ = c["Email"].(string)
				break
			}
		}
		if email == "" || !sentSet[strings.ToLower(email)] {
			continue
		}
		link := firstShortLink(shortLinks[contactID])
		fields := MemberUpdateFields(link.ShortURL, link.LinkID)
		upserts = append(upserts, map[string]any{"record_id": m.ID(), "fields": fields})
	}
	if len(upserts) == 0 {
		return nil
	}
	_, err := w.crm.CallTool(ctx, transport.CallRequest{Tool: "batch_upsert_campaign_member", Arguments: map[string]any{"records": upserts}})
	return err
}

func parseToolJSONObject(resp transport.CallResponse) (map[string]any, error) {
	for _, part := range resp.Content {
		var obj map[string]any
		if err := json.Unmarshal([]byte(part.Text), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("workflows: no JSON object content in response")
}
