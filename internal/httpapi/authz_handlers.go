package httpapi

import (
	"net/http"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

type authzCheckRequest struct {
	Permission     string `json:"permission" validate:"required,max=128"`
	OrganizationID string `json:"organization_id" validate:"max=64"`
	DepartmentID   string `json:"department_id" validate:"max=64"`
	Visibility     string `json:"visibility" validate:"omitempty,oneof=public department private"`
}

// handleAuthzCheck evaluates a decision for the caller without performing
// the action. Denials are reported in the body with status 200.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	var req authzCheckRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	claims := claimsFrom(r)
	scope := auth.Scope{OrganizationID: req.OrganizationID, DepartmentID: req.DepartmentID}

	var decision auth.Decision
	if req.Visibility == "" {
		decision = auth.Authorize(claims, req.Permission, scope)
	} else {
		vis, err := auth.ParseVisibility(req.Visibility)
		if err != nil {
			handleError(w, r, err)
			return
		}
		decision = auth.AuthorizeResource(claims, req.Permission, auth.Resource{Scope: scope, Visibility: vis})
	}
	writeJSON(w, http.StatusOK, decision)
}
