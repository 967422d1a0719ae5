// pkg/api/requests.go

package api

import (
	"net/http"
	"strconv"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/workflow"
)

type commentBody struct {
	Comment string `json:"comment" validate:"max=4096"`
}

type openBody struct {
	WrapToken string `json:"wrapToken" validate:"max=255"`
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	in := workflow.ListInput{
		Scope:  q.Get("scope"),
		Status: q.Get("status"),
		Type:   q.Get("type"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return pam_err.NewValidationError("invalid limit %q", raw)
		}
		in.Limit = n
	}
	reqs, err := s.workflow.List(r.Context(), identityFrom(r.Context()), in)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) error {
	var in workflow.StandardInput
	if err := decode(r, &in); err != nil {
		return err
	}
	req, created, err := s.workflow.CreateStandard(r.Context(), identityFrom(r.Context()), in)
	if err != nil {
		return err
	}
	return writeJSON(w, createdStatus(created), req)
}

func (s *Server) createControlGroup(w http.ResponseWriter, r *http.Request) error {
	var in workflow.ControlGroupInput
	if err := decode(r, &in); err != nil {
		return err
	}
	req, created, err := s.workflow.CreateControlGroup(r.Context(), identityFrom(r.Context()), in)
	if err != nil {
		return err
	}
	return writeJSON(w, createdStatus(created), req)
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	req, err := s.workflow.Get(r.Context(), identityFrom(r.Context()), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, req)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) error {
	id, body, err := s.decision(r)
	if err != nil {
		return err
	}
	req, err := s.workflow.Approve(r.Context(), identityFrom(r.Context()), id, body.Comment)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, req)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) error {
	id, body, err := s.decision(r)
	if err != nil {
		return err
	}
	req, err := s.workflow.Reject(r.Context(), identityFrom(r.Context()), id, body.Comment)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, req)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	req, err := s.workflow.Cancel(r.Context(), identityFrom(r.Context()), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, req)
}

func (s *Server) open(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var body openBody
	if err := decode(r, &body); err != nil {
		return err
	}
	opened, err := s.workflow.Open(r.Context(), identityFrom(r.Context()), id, body.WrapToken)
	if err != nil {
		return err
	}
	w.Header().Set("Cache-Control", "no-store")
	return writeJSON(w, http.StatusOK, opened)
}

func (s *Server) decision(r *http.Request) (uint, commentBody, error) {
	var body commentBody
	id, err := pathID(r)
	if err != nil {
		return 0, body, err
	}
	if err := decode(r, &body); err != nil {
		return 0, body, err
	}
	return id, body, nil
}
