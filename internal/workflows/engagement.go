package workflows

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brightfunnel/reachctl/internal/state"
	"github.com/brightfunnel/reachctl/internal/telemetry"
	"github.com/brightfunnel/reachctl/internal/transport"
)

// campaignIDRe matches an 18-char Salesforce-style id prefixed with a known
// Campaign key prefix (spec §4.8.2 step 1, case 1).
var campaignIDRe = regexp.MustCompile(`\b(701[A-Za-z0-9]{15})\b`)

// campaignNameRe matches the `campaign "<name>"` phrasing (case 3).
var campaignNameRe = regexp.MustCompile(`(?i)campaign\s+"([^"]+)"`)

// Engagement drives the engagement-tracking workflow (spec §4.8.2).
type Engagement struct {
	crm     transport.Caller
	linkly  transport.Caller
	adapter *transport.Adapter
	logger  telemetry.Logger
}

// NewEngagement wires the two backing services the workflow drives: crm
// (campaigns/members) and linkly (click analytics).
func NewEngagement(crm, linkly transport.Caller, adapter *transport.Adapter, logger telemetry.Logger) *Engagement {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engagement{crm: crm, linkly: linkly, adapter: adapter, logger: logger}
}

// Run drives the four-stage engagement pipeline end to end.
func (w *Engagement) Run(ctx context.Context, st *state.State) {
	campaignID, campaignName, ok := w.resolveTarget(ctx, st)
	if !ok {
		return
	}

	members, err := w.fetchMembers(ctx, campaignID)
	if err != nil {
		Fail(st, "Couldn't fetch campaign members: "+err.Error())
		return
	}

	clicked, linkMap, err := w.trackClicks(ctx, members)
	if err != nil {
		Fail(st, "Couldn't check link clicks: "+err.Error())
		return
	}

	newlyUpdated, alreadyResponded := w.updateEngagement(ctx, clicked)

	st.EngagementWorkflowContext = map[string]any{
		"stage":              "summarize",
		"campaign_id":        campaignID,
		"campaign_name":      campaignName,
		"link_to_member_map": linkMap,
		"clicked_count":      len(clicked),
	}
	summary := summarizeEngagement(campaignName, newlyUpdated, alreadyResponded)
	st.AppendMessage(state.RoleAI, summary, time.Now())
}

// resolveTarget implements spec §4.8.2 step 1's three resolution cases.
func (w *Engagement) resolveTarget(ctx context.Context, st *state.State) (id, name string, ok bool) {
	if m := campaignIDRe.FindStringSubmatch(st.UserGoal); m != nil {
		id := m[1]
		resp, err := w.crm.CallTool(ctx, transport.CallRequest{Tool: "query_campaign", Arguments: map[string]any{"campaign_id": id}})
		if err != nil {
			Fail(st, "Couldn't look up that campaign: "+err.Error())
			return "", "", false
		}
		rows := w.adapter.ExtractRows(resp)
		if len(rows) == 0 {
			Fail(st, "I couldn't find a campaign with that id.")
			return "", "", false
		}
		name, _ := rows[0]["Name"].(string)
		return id, name, true
	}

	if strings.Contains(strings.ToLower(st.UserGoal), "this campaign") {
		campaigns := st.SharedResultSets["campaign"]
		if len(campaigns) == 0 {
			Fail(st, "I don't have a campaign in context to check engagement for.")
			return "", "", false
		}
		id := campaigns[0].ID()
		name, _ := campaigns[0]["Name"].(string)
		return id, name, true
	}

	if m := campaignNameRe.FindStringSubmatch(st.UserGoal); m != nil {
		resp, err := w.crm.CallTool(ctx, transport.CallRequest{Tool: "query_campaign", Arguments: map[string]any{"name": m[1]}})
		if err != nil {
			Fail(st, "Couldn't look up that campaign: "+err.Error())
			return "", "", false
		}
		rows := w.adapter.ExtractRows(resp)
		if len(rows) == 0 {
			Fail(st, fmt.Sprintf("I couldn't find a campaign named %q.", m[1]))
			return "", "", false
		}
		return rows[0].ID(), m[1], true
	}

	Fail(st, "I need a campaign to check engagement for — mention its name or id, or say \"this campaign\".")
	return "", "", false
}

// member is the trimmed projection of a CampaignMember row kept by stage 1.
type member struct {
	ID     string
	Email  string
	Name   string
	Status string
	LinkID string
}

func (w *Engagement) fetchMembers(ctx context.Context, campaignID string) ([]member, error) {
	resp, err := w.crm.CallTool(ctx, transport.CallRequest{Tool: "query_campaign_members", Arguments: map[string]any{"campaign_id": campaignID}})
	if err != nil {
		return nil, err
	}
	rows := w.adapter.ExtractRows(resp)
	members := make([]member, 0, len(rows))
	for _, r := range rows {
		linkID, _ := r["LinkId__c"].(string)
		email, _ := r["Email"].(string)
		name, _ := r["Name"].(string)
		status, _ := r["Status"].(string)
		members = append(members, member{ID: r.ID(), Email: email, Name: name, Status: status, LinkID: linkID})
	}
	return members, nil
}

// trackClicks implements spec §4.8.2 step 2.
func (w *Engagement) trackClicks(ctx context.Context, members []member) ([]member, map[string]map[string]any, error) {
	linkToMember := make(map[string]member, len(members))
	var linkIDs []string
	for _, m := range members {
		if m.LinkID == "" {
			continue
		}
		linkToMember[m.LinkID] = m
		linkIDs = append(linkIDs, m.LinkID)
	}
	if len(linkIDs) == 0 {
		return nil, nil, nil
	}

	resp, err := w.linkly.CallTool(ctx, transport.CallRequest{Tool: "query_click_counts", Arguments: map[string]any{"link_ids": linkIDs}})
	if err != nil {
		return nil, nil, err
	}
	rows := w.adapter.ExtractRows(resp)

	linkMap := make(map[string]map[string]any, len(linkToMember))
	var clicked []member
	for _, row := range rows {
		linkID, _ := row["link_id"].(string)
		if linkID == "" {
			continue
		}
		m, ok := linkToMember[linkID]
		if !ok {
			continue
		}
		clickCount := toInt(row["click_count"])
		linkMap[linkID] = map[string]any{"member_id": m.ID, "email": m.Email, "name": m.Name, "status": m.Status, "click_count": clickCount}
		if clickCount > 0 {
			clicked = append(clicked, m)
		}
	}
	sort.Slice(clicked, func(i, j int) bool { return clicked[i].ID < clicked[j].ID })
	return clicked, linkMap, nil
}

// updateEngagement implements spec §4.8.2 step 3: batch-upsert every clicked
// member whose status is not already "Responded".
func (w *Engagement) updateEngagement(ctx context.Context, clicked []member) (newlyUpdated, alreadyResponded []member) {
	var upserts []any
	for _, m := range clicked {
		if strings.EqualFold(m.Status, "Responded") {
			alreadyResponded = append(alreadyResponded, m)
			continue
		}
		newlyUpdated = append(newlyUpdated, m)
		upserts = append(upserts, map[string]any{"record_id": m.ID, "fields": map[string]any{"Status": "Responded"}})
	}
	if len(upserts) == 0 {
		return newlyUpdated, alreadyResponded
	}
	_, _ = w.crm.CallTool(ctx, transport.CallRequest{Tool: "batch_upsert_campaign_member", Arguments: map[string]any{"records": upserts}})
	return newlyUpdated, alreadyResponded
}

// summarizeEngagement implements spec §4.8.2 step 4.
func summarizeEngagement(campaignName string, newlyUpdated, alreadyResponded []member) string {
	total := len(newlyUpdated) + len(alreadyResponded)
	if total == 0 {
		return fmt.Sprintf("No one has clicked their link yet for %s.", campaignName)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of the members for %s clicked their link", total, campaignName)
	if len(newlyUpdated) > 0 {
		fmt.Fprintf(&sb, "; %d %s marked Responded", len(newlyUpdated), plural(len(newlyUpdated), "was", "were"))
	}
	if len(alreadyResponded) > 0 {
		fmt.Fprintf(&sb, "; %d had already responded", len(alreadyResponded))
	}
	sb.WriteString(".")
	return sb.String()
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}
