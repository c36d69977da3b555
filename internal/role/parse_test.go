package role

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/reqforge/internal/llm"
)

func TestParseUserStories(t *testing.T) {
	got, err := ParseUserStories(`Here are my stories:

1. As a customer, I want to search products.
2) As an admin, I want to edit prices.
- Shoppers need a wishlist
As a guest, I want to check out without an account.`)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"As a customer, I want to search products.",
		"As an admin, I want to edit prices.",
		"Shoppers need a wishlist",
		"As a guest, I want to check out without an account.",
	}, got.Stories)

	_, err = ParseUserStories("I would like a nice website.")
	assert.ErrorIs(t, err, ErrNothingParsed)
}

func TestParseQuestions(t *testing.T) {
	got, err := ParseQuestions(`Question 1: Which currencies are accepted?
Rationale: pricing.
Question 2) Is guest checkout allowed?
**Question 3:** What is the return window?
Question 4: a
Question 5: b
Question 6: c`)
	require.NoError(t, err)
	assert.Len(t, got.Questions, MaxQuestions)
	assert.Equal(t, "Which currencies are accepted?", got.Questions[0])
	assert.Equal(t, "Is guest checkout allowed?", got.Questions[1])
	assert.False(t, got.Sufficient)
}

func TestParseQuestionsMultiline(t *testing.T) {
	got, err := ParseQuestions(`Question 1: Which payment providers
must be supported at launch,
and in which currencies?
Rationale: payment scope drives integration work.
It also affects compliance.
**Question 2:** Is guest checkout allowed?`)
	require.NoError(t, err)
	require.Len(t, got.Questions, 2)
	assert.Equal(t, "Which payment providers must be supported at launch, and in which currencies?", got.Questions[0])
	assert.Equal(t, "Is guest checkout allowed?", got.Questions[1])
}

func TestParseQuestionsSufficiency(t *testing.T) {
	got, err := ParseQuestions("NO FURTHER QUESTIONS")
	require.NoError(t, err)
	assert.True(t, got.Sufficient)
	assert.Empty(t, got.Questions)

	got, err = ParseQuestions("I have no further questions at this time.")
	require.NoError(t, err)
	assert.True(t, got.Sufficient)

	_, err = ParseQuestions("Hmm, let me think.")
	assert.ErrorIs(t, err, ErrNothingParsed)
}

func TestParseAnswer(t *testing.T) {
	got, err := ParseAnswer("  Card only.  ")
	require.NoError(t, err)
	assert.Equal(t, "Card only.", got.Text)

	_, err = ParseAnswer(" \n ")
	assert.Error(t, err)
}

func TestParseRequirements(t *testing.T) {
	got, err := ParseRequirements(`## Functional
FR-001: The system shall list products.
- **FR-2**: The system shall accept payments.
FR-001: duplicate is ignored
## Non-functional
NFR-001 - Pages load within 2 seconds.
NFR-010: The system shall log every order.`)
	require.NoError(t, err)
	require.Len(t, got.Items, 4)
	assert.Equal(t, Requirement{ID: "FR-001", Kind: Functional, Text: "The system shall list products."}, got.Items[0])
	assert.Equal(t, "FR-002", got.Items[1].ID)
	assert.Equal(t, "NFR-001", got.Items[2].ID)
	assert.Equal(t, NonFunctional, got.Items[2].Kind)
	assert.Equal(t, 2, got.Count(Functional))
	assert.Equal(t, 2, got.Count(NonFunctional))

	_, err = ParseRequirements("The system should be good.")
	assert.ErrorIs(t, err, ErrNothingParsed)
}

func TestParseEntities(t *testing.T) {
	got, err := ParseEntities(`Entities:
1. Customer: a buyer
2. **Product**: an item for sale
- Order - a purchase
- customer: duplicate
Not a list item: ignored`)
	require.NoError(t, err)
	require.Len(t, got.Entities, 3)
	assert.Equal(t, Entity{ID: "E1", Name: "Customer", Description: "a buyer"}, got.Entities[0])
	assert.Equal(t, "Product", got.Entities[1].Name)
	assert.Equal(t, Entity{ID: "E3", Name: "Order", Description: "a purchase"}, got.Entities[2])

	_, err = ParseEntities("There are some things.")
	assert.ErrorIs(t, err, ErrNothingParsed)
}

func TestParseAndResolveRelationships(t *testing.T) {
	got, err := ParseRelationships(`1. Customer -> Order: places
- Order → Product: contains
Order -> Warehouse: ships from
nonsense line`)
	require.NoError(t, err)
	require.Len(t, got.Relationships, 3)
	assert.Equal(t, Relationship{Source: "Order", Target: "Product", Label: "contains"}, got.Relationships[1])

	got.Resolve([]Entity{
		{ID: "E1", Name: "Customer"},
		{ID: "E2", Name: "Product"},
		{ID: "E3", Name: "order"},
	}, 4)
	assert.Equal(t, "E1", got.Relationships[0].SourceID)
	assert.Equal(t, "E3", got.Relationships[0].TargetID)
	assert.Equal(t, "E2", got.Relationships[1].TargetID)
	assert.Empty(t, got.Relationships[2].TargetID)
	assert.Equal(t, 1, got.Unresolved)
	assert.Equal(t, 4, got.EntitiesVersion)

	_, err = ParseRelationships("Customers order products.")
	assert.ErrorIs(t, err, ErrNothingParsed)
}

func TestParseCheckResults(t *testing.T) {
	got, err := ParseCheckResults(`Review complete.
Overall Quality Score: 7.5/10
Completeness Score: 6/10
Consistency: 9/10
Clarity Score: 0.8
Critical Issues: 1
Major Issues: 2
Minor Issues: 3
Missing Information: 2
- FR-002 lacks a failure path
- No data retention rule`)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.QualityScore, 1e-9)
	assert.InDelta(t, 0.6, got.SubScores["completeness"], 1e-9)
	assert.InDelta(t, 0.9, got.SubScores["consistency"], 1e-9)
	assert.InDelta(t, 0.8, got.SubScores["clarity"], 1e-9)
	assert.Equal(t, 1, got.Critical)
	assert.Equal(t, 2, got.Major)
	assert.Equal(t, 3, got.Minor)
	assert.Equal(t, 2, got.MissingInformation)
	assert.Equal(t, []string{"FR-002 lacks a failure path", "No data retention rule"}, got.Issues)
}

func TestParseCheckResultsScales(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"Overall Quality Score: 9/10", 0.9},
		{"Quality Score: 0.55", 0.55},
		{"overall quality score = 8", 0.8},
		{"Overall Quality Score: 85/100", 0.85},
		{"Overall Quality Score: 12/10", 1.0},
	}
	for _, tt := range tests {
		got, err := ParseCheckResults(tt.text)
		require.NoError(t, err, tt.text)
		assert.InDelta(t, tt.want, got.QualityScore, 1e-9, tt.text)
	}

	_, err := ParseCheckResults("Looks fine to me.")
	assert.ErrorIs(t, err, ErrNothingParsed)
}

func TestParseDocument(t *testing.T) {
	got, err := ParseDocument("# Software Requirements Specification\n\n## 1. Introduction\ntext\n## 2. Scope ##\n")
	require.NoError(t, err)
	assert.Equal(t, "Software Requirements Specification", got.Title)
	assert.Equal(t, []string{"1. Introduction", "2. Scope"}, got.Sections)

	_, err = ParseDocument("plain prose only")
	assert.ErrorIs(t, err, ErrNothingParsed)
}

func TestStubResponsesParse(t *testing.T) {
	for _, a := range Actions {
		text, ok := llm.StubResponse(string(a), 0.9)
		require.True(t, ok, a)
		_, err := Parse(a, text)
		assert.NoError(t, err, "stub output for %s should parse", a)
	}
}

func TestCatalogCoversEveryAction(t *testing.T) {
	for _, a := range Actions {
		b, err := Lookup(a)
		require.NoError(t, err)
		assert.Equal(t, a, b.Action)
		assert.NotEmpty(t, b.Role)
		assert.True(t, b.Output.Valid())
		_, ok := Parsers[a]
		assert.True(t, ok, "parser for %s", a)
	}
	_, err := Lookup("dance")
	assert.Error(t, err)
}
