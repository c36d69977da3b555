package web

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/lucasnoah/reqforge/internal/analytics"
	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/db"
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/orchestrator"
)

// StartRequest is the body of POST /executions.
type StartRequest struct {
	ProjectID         string   `json:"project_id" minLength:"1" doc:"Project the execution is filed under"`
	InputText         string   `json:"input_text" minLength:"1" doc:"Natural-language description of the software to specify"`
	MaxIterations     *int     `json:"max_iterations,omitempty" minimum:"1"`
	QualityThreshold  *float64 `json:"quality_threshold,omitempty" minimum:"0" maximum:"1"`
	MaxQuestionRounds *int     `json:"max_question_rounds,omitempty" minimum:"0"`
	NoCache           bool     `json:"no_cache,omitempty" doc:"Skip the cache lookup"`
}

func (r StartRequest) request() orchestrator.Request {
	return orchestrator.Request{
		ProjectID: r.ProjectID,
		InputText: r.InputText,
		NoCache:   r.NoCache,
		Overrides: orchestrator.Overrides{
			MaxIterations:     r.MaxIterations,
			QualityThreshold:  r.QualityThreshold,
			MaxQuestionRounds: r.MaxQuestionRounds,
		},
	}
}

type executionPath struct {
	ID string `path:"id" doc:"Execution id"`
}

type artifactPath struct {
	ID   string `path:"id" doc:"Execution id"`
	Type string `path:"type" doc:"Artifact type, e.g. srs"`
}

type executionBody struct {
	Body *execution.Execution `json:"body"`
}

type artifactsBody struct {
	Body []artifact.Artifact `json:"body"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (s *Server) registerExecutions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Start an execution",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body StartRequest `json:"body"`
	}) (*struct {
		Body *orchestrator.Start `json:"body"`
	}, error) {
		start, err := s.orch.StartExecution(ctx, input.Body.request())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *orchestrator.Start `json:"body"`
		}{Body: start}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions, newest first",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" minimum:"0" default:"50"`
	}) (*struct {
		Body []execution.Execution `json:"body"`
	}, error) {
		list, err := s.orch.List(ctx, execution.Filter{
			ProjectID: input.Project,
			Status:    execution.Status(input.Status),
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if list == nil {
			list = []execution.Execution{}
		}
		return &struct {
			Body []execution.Execution `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Get execution status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*executionBody, error) {
		ex, err := s.orch.GetStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionBody{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-execution",
		Method:        http.MethodPost,
		Path:          "/executions/{id}/cancel",
		Summary:       "Cancel an execution between actions",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *executionPath) (*executionBody, error) {
		if err := s.orch.Cancel(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		ex, err := s.orch.GetStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &executionBody{Body: ex}, nil
	})
}

func (s *Server) registerArtifacts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/artifacts",
		Summary:     "Latest version of every artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*artifactsBody, error) {
		arts, err := s.orch.ListArtifacts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if arts == nil {
			arts = []artifact.Artifact{}
		}
		return &artifactsBody{Body: arts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/artifacts/{type}",
		Summary:     "Get an artifact, latest unless a version is given",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Type    string `path:"type"`
		Version int    `query:"version" minimum:"0" doc:"Version to read; 0 reads the latest"`
	}) (*struct {
		Body *artifact.Artifact `json:"body"`
	}, error) {
		t, err := artifact.ParseType(input.Type)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		var version *int
		if input.Version > 0 {
			version = &input.Version
		}
		a, err := s.orch.GetArtifact(ctx, input.ID, t, version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *artifact.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "artifact-history",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/artifacts/{type}/history",
		Summary:     "Every version of one artifact type, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *artifactPath) (*artifactsBody, error) {
		t, err := artifact.ParseType(input.Type)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		arts, err := s.orch.History(ctx, input.ID, t)
		if err != nil {
			return nil, handleError(err)
		}
		if arts == nil {
			arts = []artifact.Artifact{}
		}
		return &artifactsBody{Body: arts}, nil
	})
}

func (s *Server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/executions/{id}/events",
		Summary:     "Pipeline event trail of an execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *executionPath) (*struct {
		Body []db.PipelineEvent `json:"body"`
	}, error) {
		events, err := s.orch.Events(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []db.PipelineEvent{}
		}
		return &struct {
			Body []db.PipelineEvent `json:"body"`
		}{Body: events}, nil
	})
}

// Stats is the body of GET /stats.
type Stats struct {
	Summary   *analytics.Summary        `json:"summary"`
	RoleCalls []analytics.RoleCallStats `json:"role_calls"`
	Phases    []analytics.PhaseDuration `json:"phases"`
}

func (s *Server) registerStats(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Execution and provider statistics",
	}, func(ctx context.Context, input *struct {
		Since string `query:"since" doc:"Only count records at or after this timestamp"`
	}) (*struct {
		Body Stats `json:"body"`
	}, error) {
		summary, err := analytics.Summarize(s.db, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		calls, err := analytics.QueryRoleCallStats(s.db, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		phases, err := analytics.QueryPhaseDurations(s.db, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Stats `json:"body"`
		}{Body: Stats{Summary: summary, RoleCalls: calls, Phases: phases}}, nil
	})
}
