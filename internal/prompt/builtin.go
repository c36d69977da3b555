package prompt

// builtinTemplates maps template filename to content, one per action.
var builtinTemplates = map[string]string{
	"speak_user_stories.md": speakUserStoriesTemplate,
	"propose_question.md":   proposeQuestionTemplate,
	"answer_question.md":    answerQuestionTemplate,
	"write_req_draft.md":    writeReqDraftTemplate,
	"extract_entity.md":     extractEntityTemplate,
	"extract_relation.md":   extractRelationTemplate,
	"check_requirement.md":  checkRequirementTemplate,
	"write_srs.md":          writeSRSTemplate,
	"write_check_report.md": writeCheckReportTemplate,
}

const projectHeader = `# Project: {{project_name}}
{{#if domain}}Domain: {{domain}}
{{/if}}`

const speakUserStoriesTemplate = projectHeader + `
You are the stakeholder of this project. Describe what you need as user stories.

## Project Description
{{input_text}}

## Instructions
Write one user story per line, numbered, in the form:
"As a <role>, I want <goal> so that <benefit>."
Cover every kind of user the description mentions.
`

const proposeQuestionTemplate = projectHeader + `
You are the requirements collector. Decide what is still unclear about the stakeholder's needs.

## User Stories
{{user_stories}}

{{#if qa_pairs}}
## Questions Already Asked
{{qa_pairs}}
{{/if}}
{{#if check_results}}
## Reviewer Findings From The Previous Iteration
{{check_results}}
{{/if}}
## Instructions
Ask at most {{max_questions}} new clarifying questions, one per line, formatted as
"Question N: <question>" optionally followed by "Rationale: <why it matters>".
If nothing important is unclear, reply with exactly: NO FURTHER QUESTIONS
`

const answerQuestionTemplate = projectHeader + `
You are the stakeholder of this project. Answer the collector's question.

## Project Description
{{input_text}}

## Your User Stories
{{user_stories}}

## Question
{{question}}

## Instructions
Answer in a few sentences. Be concrete about numbers, constraints and priorities.
`

const writeReqDraftTemplate = projectHeader + `
You are the requirements collector. Turn what you learned into a requirements draft.

## User Stories
{{user_stories}}

{{#if qa_pairs}}
## Clarifications
{{qa_pairs}}
{{/if}}
{{#if check_results}}
## Reviewer Findings To Address
{{check_results}}
{{/if}}
## Instructions
List each requirement on its own line.
Number functional requirements FR-001, FR-002, ... and non-functional requirements NFR-001, NFR-002, ...
Each requirement must be a single testable "The system shall ..." statement.
`

const extractEntityTemplate = projectHeader + `
You are the system modeler. Identify the domain entities in these requirements.

## Requirements
{{requirements_draft}}

{{#if check_results}}
## Reviewer Findings To Address
{{check_results}}
{{/if}}
## Instructions
Return a numbered list, one entity per line, formatted as "<Name>: <short description>".
`

const extractRelationTemplate = projectHeader + `
You are the system modeler. Describe how the entities relate.

## Requirements
{{requirements_draft}}

## Entities
{{entities}}

## Instructions
Return one relationship per line, formatted as "<Source> -> <Target>: <relationship>".
Use only the entity names listed above.
`

const checkRequirementTemplate = projectHeader + `
You are the requirements checker. Review the requirements for quality.

## User Stories
{{user_stories}}

## Requirements
{{requirements_draft}}

## Entities
{{entities}}

## Relationships
{{relationships}}

## Instructions
Reply with these lines, scoring each from 0 to 10:
Overall Quality Score: <n>/10
Completeness Score: <n>/10
Consistency Score: <n>/10
Clarity Score: <n>/10
Correctness Score: <n>/10
Testability Score: <n>/10
Traceability Score: <n>/10
Critical Issues: <count>
Major Issues: <count>
Minor Issues: <count>
Missing Information: <count of facts only the stakeholder can supply>
Then list each issue on its own line.
`

const writeSRSTemplate = projectHeader + `
You are the documenter. Write the Software Requirements Specification.

## User Stories
{{user_stories}}

## Requirements
{{requirements_draft}}

## Entities
{{entities}}

## Relationships
{{relationships}}

## Review
{{check_results}}

## Instructions
Write a complete SRS in Markdown with sections for Introduction, Overall Description,
Functional Requirements, Non-Functional Requirements, Data Model and Traceability.
Keep every FR/NFR identifier unchanged.
`

const writeCheckReportTemplate = projectHeader + `
You are the documenter. The requirements did not reach the quality threshold of {{quality_threshold}}
after {{iteration}} refinement iteration(s). Write a check report instead of a specification.

## Requirements
{{requirements_draft}}

## Latest Review
{{check_results}}

## Instructions
Write a Markdown report with a Summary section, an Outstanding Issues section grouped by
severity, and a Recommended Next Steps section.
`
