package role

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrNothingParsed is returned when a parser finds no structure in the text.
var ErrNothingParsed = errors.New("no structured content found")

// MaxQuestions caps how many questions are taken from one proposal.
const MaxQuestions = 5

// Parser turns free text into a structured value.
type Parser func(text string) (any, error)

// Parsers maps each action to the parser for its output.
var Parsers = map[Action]Parser{
	SpeakUserStories: func(s string) (any, error) { return ParseUserStories(s) },
	ProposeQuestion:  func(s string) (any, error) { return ParseQuestions(s) },
	AnswerQuestion:   func(s string) (any, error) { return ParseAnswer(s) },
	WriteReqDraft:    func(s string) (any, error) { return ParseRequirements(s) },
	ExtractEntity:    func(s string) (any, error) { return ParseEntities(s) },
	ExtractRelation:  func(s string) (any, error) { return ParseRelationships(s) },
	CheckRequirement: func(s string) (any, error) { return ParseCheckResults(s) },
	WriteSRS:         func(s string) (any, error) { return ParseDocument(s) },
	WriteCheckReport: func(s string) (any, error) { return ParseDocument(s) },
}

// Parse runs the parser registered for action.
func Parse(action Action, text string) (any, error) {
	p, ok := Parsers[action]
	if !ok {
		return nil, fmt.Errorf("no parser for action %q", action)
	}
	return p(text)
}

var (
	listMarkerRe  = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+`)
	storyRe       = regexp.MustCompile(`(?i)^as an?\s`)
	questionRe    = regexp.MustCompile(`(?i)^\W*question\s*\d+\s*[:.)-]\s*(.+)$`)
	rationaleRe   = regexp.MustCompile(`(?i)^\W*rationale\b`)
	sufficientRe  = regexp.MustCompile(`(?i)no further questions`)
	requirementRe = regexp.MustCompile(`\b(NFR|FR)-(\d{1,4})\b[\s*:.)-]*(.*)$`)
	headingRe     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)\s*#*\s*$`)
	number        = `([0-9]+(?:\.[0-9]+)?)`
	overallRe     = regexp.MustCompile(`(?i)(?:overall\s+)?quality\s+score\s*[:=]\s*` + number + `\s*(?:/\s*` + number + `)?`)
	subScoreRe    = regexp.MustCompile(`(?im)^\W*(completeness|consistency|clarity|correctness|testability|traceability)(?:\s+score)?\s*[:=]\s*` + number + `\s*(?:/\s*` + number + `)?`)
	issueCountRe  = regexp.MustCompile(`(?im)^\W*(critical|major|minor)\s+issues?\s*[:=]\s*(\d+)`)
	missingRe     = regexp.MustCompile(`(?im)^\W*missing\s+information\s*[:=]\s*(\d+)`)
	bulletRe      = regexp.MustCompile(`^\s*[-*•]\s+(.+)$`)
)

// UserStories is the parsed output of SpeakUserStories.
type UserStories struct {
	Stories []string `json:"stories"`
}

// ParseUserStories extracts "As a ..." statements and list items.
func ParseUserStories(text string) (*UserStories, error) {
	var out UserStories
	for _, line := range lines(text) {
		stripped := listMarkerRe.ReplaceAllString(line, "")
		if storyRe.MatchString(stripped) || (stripped != line && stripped != "") {
			out.Stories = append(out.Stories, strings.TrimSpace(stripped))
		}
	}
	if len(out.Stories) == 0 {
		return nil, fmt.Errorf("user stories: %w", ErrNothingParsed)
	}
	return &out, nil
}

// Questions is the parsed output of ProposeQuestion.
type Questions struct {
	Questions  []string `json:"questions"`
	Sufficient bool     `json:"sufficient"`
}

// ParseQuestions extracts "Question N:" entries, capped at MaxQuestions.
// Lines after a question are part of it until the next question or a
// "Rationale" line. A "NO FURTHER QUESTIONS" marker with no questions
// signals sufficiency.
func ParseQuestions(text string) (*Questions, error) {
	var (
		out  Questions
		cur  []string
		open bool
	)
	flush := func() {
		if len(cur) > 0 {
			out.Questions = append(out.Questions, strings.Join(cur, " "))
		}
		cur, open = nil, false
	}
	for _, line := range lines(text) {
		if m := questionRe.FindStringSubmatch(line); m != nil {
			flush()
			if q := strings.Trim(m[1], " \t*_"); q != "" {
				cur, open = []string{q}, true
			}
			continue
		}
		if !open {
			continue
		}
		if rationaleRe.MatchString(line) || sufficientRe.MatchString(line) {
			open = false
			continue
		}
		cur = append(cur, strings.TrimSpace(line))
	}
	flush()
	if len(out.Questions) > MaxQuestions {
		out.Questions = out.Questions[:MaxQuestions]
	}

	if len(out.Questions) == 0 {
		if sufficientRe.MatchString(text) {
			out.Sufficient = true
			return &out, nil
		}
		return nil, fmt.Errorf("questions: %w", ErrNothingParsed)
	}
	return &out, nil
}

// Answer is the parsed output of AnswerQuestion.
type Answer struct {
	Text string `json:"text"`
}

// ParseAnswer accepts any non-empty text.
func ParseAnswer(text string) (*Answer, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil, fmt.Errorf("answer: %w", ErrNothingParsed)
	}
	return &Answer{Text: t}, nil
}

// Requirement kinds.
const (
	Functional    = "functional"
	NonFunctional = "non_functional"
)

// Requirement is one numbered requirement statement.
type Requirement struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Requirements is the parsed output of WriteReqDraft.
type Requirements struct {
	Items []Requirement `json:"items"`
}

// Count returns how many requirements of a kind were found.
func (r *Requirements) Count(kind string) int {
	n := 0
	for _, it := range r.Items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

// ParseRequirements extracts FR-nnn and NFR-nnn entries. Repeated ids keep
// their first occurrence.
func ParseRequirements(text string) (*Requirements, error) {
	var out Requirements
	seen := make(map[string]bool)
	for _, line := range lines(text) {
		m := requirementRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		id := fmt.Sprintf("%s-%03d", m[1], n)
		body := strings.TrimSpace(strings.TrimRight(m[3], "* "))
		if seen[id] || body == "" {
			continue
		}
		seen[id] = true
		kind := Functional
		if m[1] == "NFR" {
			kind = NonFunctional
		}
		out.Items = append(out.Items, Requirement{ID: id, Kind: kind, Text: body})
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("requirements: %w", ErrNothingParsed)
	}
	return &out, nil
}

// Entity is one domain entity.
type Entity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// EntitySet is the parsed output of ExtractEntity.
type EntitySet struct {
	Entities []Entity `json:"entities"`
}

// ParseEntities extracts "Name: description" list items and numbers them
// E1..En in order of appearance.
func ParseEntities(text string) (*EntitySet, error) {
	var out EntitySet
	seen := make(map[string]bool)
	for _, line := range lines(text) {
		stripped := listMarkerRe.ReplaceAllString(line, "")
		if stripped == line {
			continue
		}
		name, desc := splitPair(stripped)
		name = strings.Trim(name, "*_` ")
		if name == "" || len(name) > 80 || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		out.Entities = append(out.Entities, Entity{
			ID:          fmt.Sprintf("E%d", len(out.Entities)+1),
			Name:        name,
			Description: desc,
		})
	}
	if len(out.Entities) == 0 {
		return nil, fmt.Errorf("entities: %w", ErrNothingParsed)
	}
	return &out, nil
}

// Relationship links two entities.
type Relationship struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Label    string `json:"label,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	TargetID string `json:"target_id,omitempty"`
}

// RelationshipSet is the parsed output of ExtractRelation.
type RelationshipSet struct {
	Relationships []Relationship `json:"relationships"`
	// EntitiesVersion is the entity set version the ids were resolved against.
	EntitiesVersion int `json:"entities_version,omitempty"`
	Unresolved      int `json:"unresolved"`
}

// ParseRelationships extracts "Source -> Target: label" lines.
func ParseRelationships(text string) (*RelationshipSet, error) {
	var out RelationshipSet
	for _, line := range lines(text) {
		stripped := listMarkerRe.ReplaceAllString(line, "")
		stripped = strings.ReplaceAll(stripped, "→", "->")
		i := strings.Index(stripped, "->")
		if i < 0 {
			continue
		}
		src := strings.Trim(stripped[:i], "*_` ")
		target, label := splitPair(stripped[i+2:])
		target = strings.Trim(target, "*_` ")
		if src == "" || target == "" {
			continue
		}
		out.Relationships = append(out.Relationships, Relationship{Source: src, Target: target, Label: label})
	}
	if len(out.Relationships) == 0 {
		return nil, fmt.Errorf("relationships: %w", ErrNothingParsed)
	}
	return &out, nil
}

// Resolve fills in entity ids by case-insensitive name match and counts the
// endpoints that name no known entity.
func (r *RelationshipSet) Resolve(entities []Entity, version int) {
	ids := make(map[string]string, len(entities))
	for _, e := range entities {
		ids[strings.ToLower(e.Name)] = e.ID
	}
	r.EntitiesVersion = version
	r.Unresolved = 0
	for i := range r.Relationships {
		rel := &r.Relationships[i]
		rel.SourceID = ids[strings.ToLower(rel.Source)]
		rel.TargetID = ids[strings.ToLower(rel.Target)]
		if rel.SourceID == "" {
			r.Unresolved++
		}
		if rel.TargetID == "" {
			r.Unresolved++
		}
	}
}

// Sub-score names reported by the checker.
var SubScoreNames = []string{"completeness", "consistency", "clarity", "correctness", "testability", "traceability"}

// CheckResults is the parsed output of CheckRequirement. Scores are in [0,1].
type CheckResults struct {
	QualityScore       float64            `json:"quality_score"`
	SubScores          map[string]float64 `json:"sub_scores,omitempty"`
	Critical           int                `json:"critical_issues"`
	Major              int                `json:"major_issues"`
	Minor              int                `json:"minor_issues"`
	MissingInformation int                `json:"missing_information"`
	Issues             []string           `json:"issues,omitempty"`
}

// ParseCheckResults extracts the overall score, sub-scores and issue counts.
// Scores written out of ten are normalized to [0,1].
func ParseCheckResults(text string) (*CheckResults, error) {
	m := overallRe.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("check results: overall quality score: %w", ErrNothingParsed)
	}
	out := CheckResults{
		QualityScore: normalizeScore(m[1], m[2]),
		SubScores:    make(map[string]float64),
	}
	for _, sm := range subScoreRe.FindAllStringSubmatch(text, -1) {
		out.SubScores[strings.ToLower(sm[1])] = normalizeScore(sm[2], sm[3])
	}
	for _, cm := range issueCountRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(cm[2])
		switch strings.ToLower(cm[1]) {
		case "critical":
			out.Critical = n
		case "major":
			out.Major = n
		case "minor":
			out.Minor = n
		}
	}
	if mm := missingRe.FindStringSubmatch(text); mm != nil {
		out.MissingInformation, _ = strconv.Atoi(mm[1])
	}
	for _, line := range lines(text) {
		if bm := bulletRe.FindStringSubmatch(line); bm != nil {
			out.Issues = append(out.Issues, strings.TrimSpace(bm[1]))
		}
	}
	return &out, nil
}

func normalizeScore(value, outOf string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	if outOf != "" {
		if d, err := strconv.ParseFloat(outOf, 64); err == nil && d > 0 {
			v /= d
		}
	} else if v > 1 {
		v /= 10
	}
	return math.Max(0, math.Min(1, v))
}

// Document is the parsed output of WriteSRS and WriteCheckReport.
type Document struct {
	Title    string   `json:"title"`
	Sections []string `json:"sections"`
}

// ParseDocument requires at least one Markdown heading.
func ParseDocument(text string) (*Document, error) {
	matches := headingRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("document: %w", ErrNothingParsed)
	}
	doc := Document{Title: matches[0][1]}
	for _, m := range matches[1:] {
		doc.Sections = append(doc.Sections, m[1])
	}
	return &doc, nil
}

func lines(text string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// splitPair splits "left: right" or "left - right".
func splitPair(s string) (string, string) {
	if i := strings.Index(s, ":"); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	for _, sep := range []string{" - ", " – ", " — "} {
		if i := strings.Index(s, sep); i >= 0 {
			return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+len(sep):])
		}
	}
	return strings.TrimSpace(s), ""
}
