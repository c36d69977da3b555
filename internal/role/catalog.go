package role

import (
	"fmt"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/execution"
)

// Role is one of the five capabilities in the team.
type Role string

const (
	Stakeholder Role = "stakeholder"
	Collector   Role = "collector"
	Modeler     Role = "modeler"
	Checker     Role = "checker"
	Documenter  Role = "documenter"
)

// User is the send_to target of the final documents.
const User = "user"

// Action is a discrete operation bound to exactly one role.
type Action string

const (
	SpeakUserStories Action = "speak_user_stories"
	ProposeQuestion  Action = "propose_question"
	AnswerQuestion   Action = "answer_question"
	WriteReqDraft    Action = "write_req_draft"
	ExtractEntity    Action = "extract_entity"
	ExtractRelation  Action = "extract_relation"
	CheckRequirement Action = "check_requirement"
	WriteSRS         Action = "write_srs"
	WriteCheckReport Action = "write_check_report"
)

// Actions lists the nine actions in pipeline order.
var Actions = []Action{
	SpeakUserStories, ProposeQuestion, AnswerQuestion, WriteReqDraft,
	ExtractEntity, ExtractRelation, CheckRequirement, WriteSRS, WriteCheckReport,
}

// Binding declares who performs an action, what it reads and what it writes.
type Binding struct {
	Action Action
	Role   Role
	Phase  execution.Phase
	// Inputs must exist before the action runs.
	Inputs []artifact.Type
	// Optional inputs are passed along when present.
	Optional []artifact.Type
	Output   artifact.Type
	SendTo   string
}

// Catalog binds every action to its role and artifacts.
var Catalog = map[Action]Binding{
	SpeakUserStories: {
		Action: SpeakUserStories, Role: Stakeholder, Phase: execution.PhaseElicitation,
		Output: artifact.UserStories, SendTo: string(Collector),
	},
	ProposeQuestion: {
		Action: ProposeQuestion, Role: Collector, Phase: execution.PhaseElicitation,
		Inputs:   []artifact.Type{artifact.UserStories},
		Optional: []artifact.Type{artifact.QAPairs, artifact.CheckResults},
		Output:   artifact.QAPairs, SendTo: string(Stakeholder),
	},
	AnswerQuestion: {
		Action: AnswerQuestion, Role: Stakeholder, Phase: execution.PhaseElicitation,
		Inputs: []artifact.Type{artifact.UserStories, artifact.QAPairs},
		Output: artifact.QAPairs, SendTo: string(Collector),
	},
	WriteReqDraft: {
		Action: WriteReqDraft, Role: Collector, Phase: execution.PhaseElicitation,
		Inputs:   []artifact.Type{artifact.UserStories},
		Optional: []artifact.Type{artifact.QAPairs, artifact.CheckResults},
		Output:   artifact.RequirementsDraft, SendTo: string(Modeler),
	},
	ExtractEntity: {
		Action: ExtractEntity, Role: Modeler, Phase: execution.PhaseModeling,
		Inputs:   []artifact.Type{artifact.RequirementsDraft},
		Optional: []artifact.Type{artifact.CheckResults},
		Output:   artifact.Entities, SendTo: string(Modeler),
	},
	ExtractRelation: {
		Action: ExtractRelation, Role: Modeler, Phase: execution.PhaseModeling,
		Inputs: []artifact.Type{artifact.RequirementsDraft, artifact.Entities},
		Output: artifact.Relationships, SendTo: string(Checker),
	},
	CheckRequirement: {
		Action: CheckRequirement, Role: Checker, Phase: execution.PhaseVerification,
		Inputs: []artifact.Type{artifact.UserStories, artifact.RequirementsDraft, artifact.Entities, artifact.Relationships},
		Output: artifact.CheckResults, SendTo: string(Documenter),
	},
	WriteSRS: {
		Action: WriteSRS, Role: Documenter, Phase: execution.PhaseSpecification,
		Inputs: []artifact.Type{artifact.UserStories, artifact.RequirementsDraft, artifact.Entities,
			artifact.Relationships, artifact.CheckResults},
		Output: artifact.SRS, SendTo: User,
	},
	WriteCheckReport: {
		Action: WriteCheckReport, Role: Documenter, Phase: execution.PhaseSpecification,
		Inputs: []artifact.Type{artifact.RequirementsDraft, artifact.CheckResults},
		Output: artifact.CheckReport, SendTo: User,
	},
}

// Lookup returns the binding for an action.
func Lookup(a Action) (Binding, error) {
	b, ok := Catalog[a]
	if !ok {
		return Binding{}, fmt.Errorf("unknown action %q", a)
	}
	return b, nil
}
