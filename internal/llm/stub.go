package llm

import "fmt"

// NewStub returns an offline provider that answers every action with a
// well-formed canned document. score is the overall quality (0-1) the
// checker reports.
func NewStub(score float64) *Scripted {
	s := NewScripted()
	s.name = "stub"
	s.Fallback = func(req Request) (string, error) {
		text, ok := StubResponse(req.Action, score)
		if !ok {
			return "", NewPermanent("stub", fmt.Sprintf("no canned response for %q", req.Action), nil)
		}
		return text, nil
	}
	return s
}

// StubResponse returns the canned reply for an action.
func StubResponse(action string, score float64) (string, bool) {
	switch action {
	case "speak_user_stories":
		return `1. As a customer, I want to browse the product catalog so that I can find items to buy.
2. As a customer, I want to pay with a card so that I can complete my order.
3. As an administrator, I want to manage inventory so that stock levels stay accurate.`, true
	case "propose_question":
		return `Question 1: Which payment methods must be supported at launch?
Rationale: Payment scope drives integration work.
Question 2: How many concurrent shoppers should the system handle?
Rationale: Needed for capacity requirements.`, true
	case "answer_question":
		return "Card payments and PayPal at launch, and the site should handle around 500 concurrent shoppers.", true
	case "write_req_draft":
		return `## Functional Requirements
FR-001: The system shall let customers browse and search the product catalog.
FR-002: The system shall accept card and PayPal payments.
FR-003: The system shall let administrators update inventory levels.

## Non-Functional Requirements
NFR-001: The system shall support 500 concurrent users.
NFR-002: Checkout pages shall load within 2 seconds.`, true
	case "extract_entity":
		return `1. Customer: a person who browses and buys products
2. Product: an item offered in the catalog
3. Order: a confirmed purchase of one or more products
4. Payment: a settlement of an order`, true
	case "extract_relation":
		return `Customer -> Order: places
Order -> Product: contains
Order -> Payment: settled by`, true
	case "check_requirement":
		s := score * 10
		return fmt.Sprintf(`Overall Quality Score: %.1f/10
Completeness Score: %.1f/10
Consistency Score: %.1f/10
Clarity Score: %.1f/10
Correctness Score: %.1f/10
Testability Score: %.1f/10
Traceability Score: %.1f/10
Critical Issues: 0
Major Issues: 1
Minor Issues: 2
Missing Information: 0`, s, s, s, s, s, s, s), true
	case "write_srs":
		return `# Software Requirements Specification

## 1. Introduction
This document specifies the online shop.

## 2. Functional Requirements
FR-001 to FR-003 as drafted.

## 3. Non-Functional Requirements
NFR-001 and NFR-002 as drafted.`, true
	case "write_check_report":
		return `# Requirements Check Report

## Summary
The requirements did not reach the quality threshold.

## Outstanding Issues
- Major: payment failure handling is unspecified.`, true
	}
	return "", false
}
