package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FieldMeta describes one field of an object, as surfaced by the CRM's
// schema metadata service.
type FieldMeta struct {
	Name           string
	Type           string
	Description    string
	NeedValue      bool
	Default        string
	PicklistValues []string
}

// ObjectMeta describes one CRM object's field metadata, cached once at
// startup.
type ObjectMeta struct {
	Name   string
	Fields []FieldMeta
}

// wellKnownRequiredFields is the hard-coded union of commonly-required
// fields per well-known entity (spec §4.9 step 3, "hard-coded per entity
// name").
var wellKnownRequiredFields = map[string][]string{
	"Campaign":       {"Id", "Name", "StartDate", "Status", "Type"},
	"Contact":        {"Id", "Name", "Email", "FirstName", "LastName"},
	"CampaignMember": {"Id", "ContactId", "CampaignId", "Status"},
	"Lead":           {"Id", "Name", "Email", "Status"},
}

// Builder composes the schema-context prompt block for one planning pass
// targeting the CRM service (spec §4.9).
type Builder struct {
	objectIndex *VectorIndex
	fieldIndex  map[string]*VectorIndex // object name -> field index
	objects     map[string]ObjectMeta
	embedder    Embedder
	adjacency   map[string][]string // junction adjacency, built once
	now         func() time.Time
}

// NewBuilder constructs a Builder over pre-built object/field indexes and
// cached object metadata. adjacency is the junction adjacency map built once
// from schema metadata at startup (spec §4.9 step 2).
func NewBuilder(embedder Embedder, objectIndex *VectorIndex, fieldIndex map[string]*VectorIndex, objects map[string]ObjectMeta, adjacency map[string][]string) *Builder {
	return &Builder{
		objectIndex: objectIndex,
		fieldIndex:  fieldIndex,
		objects:     objects,
		embedder:    embedder,
		adjacency:   adjacency,
		now:         time.Now,
	}
}

const (
	objectDistanceThreshold = 1.5
	fieldDistanceThreshold  = 2.0
	fieldTopK               = 15
	objectTopK              = 5
	fieldCap                = 15
)

var readVerbRe = regexp.MustCompile(`(?i)\b(find|search|query|list|show|get|lookup)\b`)

// SelectedObject is one object chosen for the prompt, with its selected
// fields and evaluated defaults.
type SelectedObject struct {
	Name      string
	Secondary bool
	Fields    []FieldMeta
	Defaults  []DefaultField
}

// DefaultField is one mandatory field and its evaluated default value.
type DefaultField struct {
	Field string
	Value string
}

// Select runs the full pipeline: primary/secondary object selection,
// junction inference, field selection, and defaults evaluation.
func (b *Builder) Select(userGoal string, contextHint string) ([]SelectedObject, error) {
	matches, err := b.objectIndex.Search(b.embedder, userGoal, objectTopK)
	if err != nil {
		return nil, fmt.Errorf("schema: object search: %w", err)
	}
	matches = UnderThreshold(matches, objectDistanceThreshold)
	if len(matches) == 0 {
		return nil, nil
	}

	primary := b.choosePrimary(matches, userGoal, contextHint)
	selectedNames := []string{primary}
	for _, m := range matches {
		if m.Name != primary {
			selectedNames = append(selectedNames, m.Name)
		}
	}

	selectedNames = append(selectedNames, b.inferJunctions(selectedNames)...)

	out := make([]SelectedObject, 0, len(selectedNames))
	for i, name := range selectedNames {
		fields, err := b.selectFields(name, userGoal)
		if err != nil {
			return nil, err
		}
		defaults := b.evaluateDefaults(name)
		out = append(out, SelectedObject{
			Name:      name,
			Secondary: i > 0,
			Fields:    fields,
			Defaults:  defaults,
		})
	}
	return out, nil
}

// choosePrimary implements spec §4.9 step 1's three-way tie-break: an
// explicit context hint, else the first match when the goal's verbs read as
// read/search, else the top-ranked match.
func (b *Builder) choosePrimary(matches []Match, userGoal, contextHint string) string {
	if contextHint != "" {
		for _, m := range matches {
			if strings.EqualFold(m.Name, contextHint) {
				return m.Name
			}
		}
	}
	if readVerbRe.MatchString(userGoal) && len(matches) > 0 {
		return matches[0].Name
	}
	return matches[0].Name
}

// inferJunctions adds any cached-adjacency entity that connects ≥ 2 of the
// already-selected objects (spec §4.9 step 2).
func (b *Builder) inferJunctions(selected []string) []string {
	selectedSet := make(map[string]bool, len(selected))
	for _, n := range selected {
		selectedSet[n] = true
	}
	var out []string
	for junction, connects := range b.adjacency {
		if selectedSet[junction] {
			continue
		}
		count := 0
		for _, c := range connects {
			if selectedSet[c] {
				count++
			}
		}
		if count >= 2 {
			out = append(out, junction)
		}
	}
	sort.Strings(out)
	return out
}

// selectFields implements spec §4.9 step 3.
func (b *Builder) selectFields(object, userGoal string) ([]FieldMeta, error) {
	meta, ok := b.objects[object]
	if !ok {
		return nil, nil
	}
	byName := make(map[string]FieldMeta, len(meta.Fields))
	for _, f := range meta.Fields {
		byName[f.Name] = f
	}

	chosen := make(map[string]bool)
	var ordered []FieldMeta

	add := func(name string) {
		if chosen[name] {
			return
		}
		f, ok := byName[name]
		if !ok {
			return
		}
		chosen[name] = true
		ordered = append(ordered, f)
	}

	add("Id")
	add("Name")

	idx, ok := b.fieldIndex[object]
	if ok {
		matches, err := idx.Search(b.embedder, userGoal, fieldTopK)
		if err != nil {
			return nil, fmt.Errorf("schema: field search for %s: %w", object, err)
		}
		if len(matches) > 0 {
			add(matches[0].Name)
		}
		for _, m := range matches[1:] {
			if len(ordered) >= fieldCap {
				break
			}
			if m.Distance < fieldDistanceThreshold {
				add(m.Name)
			}
		}
	}

	for _, name := range wellKnownRequiredFields[object] {
		if len(ordered) >= fieldCap {
			break
		}
		add(name)
	}

	return ordered, nil
}

// evaluateDefaults implements spec §4.9 step 4: fetch fields flagged
// needvalue=true and evaluate "today [+ N days]"-shaped expressions at
// prompt-build time.
func (b *Builder) evaluateDefaults(object string) []DefaultField {
	meta, ok := b.objects[object]
	if !ok {
		return nil
	}
	now := b.now
	if now == nil {
		now = time.Now
	}
	var out []DefaultField
	for _, f := range meta.Fields {
		if !f.NeedValue {
			continue
		}
		out = append(out, DefaultField{Field: f.Name, Value: evaluateDefaultExpr(f.Default, now())})
	}
	return out
}

var todayPlusRe = regexp.MustCompile(`(?i)^today\s*(?:\+\s*(\d+)\s*days?)?$`)

func evaluateDefaultExpr(expr string, now time.Time) string {
	m := todayPlusRe.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return expr
	}
	days := 0
	if m[1] != "" {
		days, _ = strconv.Atoi(m[1])
	}
	return now.AddDate(0, 0, days).Format("2006-01-02")
}

// AvailableField is one field's metadata surfaced to a client for in-place
// editing of a pending proposal.
type AvailableField struct {
	Label          string
	Name           string
	Type           string
	PicklistValues []PicklistOption
}

// PicklistOption is one selectable value of a picklist-typed field.
type PicklistOption struct {
	Label string
	Value string
}

// AvailableFieldsFor returns AvailableFields for one of the Builder's cached
// objects, or nil if object is unknown.
func (b *Builder) AvailableFieldsFor(object string) []AvailableField {
	meta, ok := b.objects[object]
	if !ok {
		return nil
	}
	return AvailableFields(meta)
}

// AvailableFields returns the UI-facing field metadata for an object, for
// the review_proposal interrupt's in-place editing surface (spec §4.10).
// Grounded on original_source/nodes/completion.py's get_available_fields:
// read the object's field metadata and project {label, name, type,
// picklistValues} per field. The label is the field's Description, or its
// Name when the Description is empty; the type is lower-cased.
func AvailableFields(meta ObjectMeta) []AvailableField {
	fields := make([]AvailableField, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		label := f.Name
		if f.Description != "" {
			label = f.Description
		}
		var picklist []PicklistOption
		for _, v := range f.PicklistValues {
			picklist = append(picklist, PicklistOption{Label: v, Value: v})
		}
		fields = append(fields, AvailableField{
			Label:          label,
			Name:           f.Name,
			Type:           strings.ToLower(f.Type),
			PicklistValues: picklist,
		})
	}
	return fields
}

// ComposePrompt renders the schema-context block injected into the planning
// prompt (spec §4.9 step 5).
func ComposePrompt(objects []SelectedObject) string {
	var b strings.Builder
	for _, obj := range objects {
		role := "primary"
		if obj.Secondary {
			role = "secondary"
		}
		fmt.Fprintf(&b, "Object: %s (%s)\n", obj.Name, role)
		for _, f := range obj.Fields {
			fmt.Fprintf(&b, "  - %s: %s — %s\n", f.Name, f.Type, f.Description)
		}
		if len(obj.Defaults) > 0 {
			b.WriteString("  Mandatory defaults:\n")
			for _, d := range obj.Defaults {
				fmt.Fprintf(&b, "    - %s = %s\n", d.Field, d.Value)
			}
		}
	}
	return b.String()
}
