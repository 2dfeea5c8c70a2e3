package http

import (
	"encoding/json"
	"net/http"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// ProblemDetail follows RFC 7807, grounded on the teacher's
// pkg/api/apierror.go ProblemDetail pattern, adapted to the taxonomy
// kinds this core returns instead of HELM's tenant/compliance codes.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// statusForKind maps the spec.md §7 taxonomy to the HTTP status table
// in §6/§7.
func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindUnknownDevice, domain.KindMalformedPayload:
		return http.StatusBadRequest
	case domain.KindMissingCredential:
		return http.StatusUnauthorized
	case domain.KindProtocolDisabled, domain.KindInvalidCredential, domain.KindExpiredCredential:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeOrchestratorError maps an orchestrator error onto the
// RFC 7807 + status-code contract in spec.md §6/§7.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	kind, ok := domain.KindOf(err)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "internal_error", "the server encountered an unexpected error")
		return
	}
	writeProblem(w, statusForKind(kind), string(kind), err.Error())
}
