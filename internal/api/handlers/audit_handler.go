package handlers

import (
	"context"

	"keyauth/internal/api/actions"
	"keyauth/internal/pkg/errors"
)

// getAudit lists the most recent administrative mutations. Only the main
// admin may read the trail.
func (h *ActionHandler) getAudit(ctx context.Context, req *actions.GetAudit) (payload, error) {
	if !h.deps.Access.IsMainAdmin(req.UserID) {
		return nil, errors.Forbidden("Only the main admin can view the audit log")
	}
	if h.deps.Audit == nil {
		return payload{"entries": []interface{}{}}, nil
	}

	entries, err := h.deps.Audit.Recent(ctx, req.Limit.Int())
	if err != nil {
		return nil, err
	}
	return payload{"entries": entries}, nil
}
