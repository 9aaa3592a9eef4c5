package handlers

import (
	"net/http"

	"github.com/tokejepsen/mayasequence/internal/httpkit"
	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
)

// GetSession returns the supervisor snapshot: job, session state, ports and
// frame progress of the running task.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) error {
	if h.session == nil {
		return errors.New(errors.CodeUnavailable, "no supervisor attached")
	}
	httpkit.WriteJSON(w, http.StatusOK, h.session.Snapshot())
	return nil
}
