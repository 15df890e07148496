package rpc

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tasklane/tasklane/internal/lifecycle"
	"github.com/tasklane/tasklane/internal/types"
)

// taskView decorates a task with its display ID for API responses.
type taskView struct {
	TaskID string `json:"task_id"`
	*types.Task
}

func viewOf(t *types.Task) taskView {
	return taskView{TaskID: t.DisplayID(), Task: t}
}

func viewsOf(tasks []*types.Task) []taskView {
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	return views
}

type createTaskRequest struct {
	App         string `json:"Task_app_Acronym"`
	Name        string `json:"Task_name"`
	Description string `json:"Task_description"`
	Plan        string `json:"Task_plan"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.engine.CreateTask(r.Context(), principalFrom(r.Context()), lifecycle.CreateTaskSpec{
		App:         req.App,
		Name:        req.Name,
		Description: req.Description,
		Plan:        req.Plan,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter types.TaskFilter
	q := r.URL.Query()
	if raw := q.Get("state"); raw != "" {
		stage, err := types.ParseStage(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err))
			return
		}
		filter.Stage = &stage
	}
	if q.Has("plan") {
		plan := q.Get("plan")
		filter.Plan = &plan
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit %q", lifecycle.ErrValidation, raw))
			return
		}
		filter.Limit = n
	}

	tasks, err := s.engine.ListTasks(r.Context(), r.PathValue("app"), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": viewsOf(tasks)})
}

type transitionRequest struct {
	TaskID        string `json:"task_id"`
	ExpectedState string `json:"expected_state"`
	Notes         string `json:"notes"`
}

// handleTransition serves promote and demote. Both require the caller's
// view of the current stage; a mismatch is a 409 with code stale_state.
func (s *Server) handleTransition(promote bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		expected, err := types.ParseStage(req.ExpectedState)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err))
			return
		}

		p := principalFrom(r.Context())
		var task *types.Task
		if promote {
			task, err = s.engine.Promote(r.Context(), p, req.TaskID, expected, req.Notes)
		} else {
			task, err = s.engine.Demote(r.Context(), p, req.TaskID, expected, req.Notes)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(task))
	}
}

type amendTaskRequest struct {
	TaskID   string  `json:"task_id"`
	PlanName *string `json:"plan_name"` // null or absent leaves the plan unchanged, "" clears it
	Notes    string  `json:"notes"`
}

func (s *Server) handleAmendTask(w http.ResponseWriter, r *http.Request) {
	var req amendTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PlanName == nil && req.Notes == "" {
		s.writeError(w, r, fmt.Errorf("%w: nothing to amend", lifecycle.ErrValidation))
		return
	}
	task, err := s.engine.Amend(r.Context(), principalFrom(r.Context()), req.TaskID, req.PlanName, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var app types.Application
	if err := decodeJSON(r, &app); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := app.Validate(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err))
		return
	}
	if err := s.store.CreateApplication(r.Context(), &app); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApplication(r.Context(), r.PathValue("acronym"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApplications(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

type updateApplicationRequest struct {
	Description  *string    `json:"description"`
	StartDate    *time.Time `json:"start_date"`
	EndDate      *time.Time `json:"end_date"`
	PermitCreate []string   `json:"permit_create"`
	PermitOpen   []string   `json:"permit_open"`
	PermitTodo   []string   `json:"permit_todo"`
	PermitDoing  []string   `json:"permit_doing"`
	PermitDone   []string   `json:"permit_done"`
}

// handleUpdateApplication applies a partial update. The acronym is
// immutable; omitted fields keep their stored values.
func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	var req updateApplicationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	app, err := s.store.GetApplication(r.Context(), r.PathValue("acronym"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Description != nil {
		app.Description = *req.Description
	}
	if req.StartDate != nil {
		app.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		app.EndDate = req.EndDate
	}
	if req.PermitCreate != nil {
		app.PermitCreate = req.PermitCreate
	}
	if req.PermitOpen != nil {
		app.PermitOpen = req.PermitOpen
	}
	if req.PermitTodo != nil {
		app.PermitTodo = req.PermitTodo
	}
	if req.PermitDoing != nil {
		app.PermitDoing = req.PermitDoing
	}
	if req.PermitDone != nil {
		app.PermitDone = req.PermitDone
	}
	if err := app.Validate(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err))
		return
	}
	if err := s.store.UpdateApplication(r.Context(), app); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan types.Plan
	if err := decodeJSON(r, &plan); err != nil {
		s.writeError(w, r, err)
		return
	}
	plan.AppAcronym = r.PathValue("app")

	app, err := s.store.GetApplication(r.Context(), plan.AppAcronym)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := plan.Validate(app); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", lifecycle.ErrValidation, err))
		return
	}
	if err := s.store.CreatePlan(r.Context(), &plan); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context(), r.PathValue("app"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}
