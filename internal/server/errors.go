package server

import (
	"net/http"

	apperrors "github.com/bulwarkhq/bulwark/internal/errors"
)

// HandleError writes err as a JSON error envelope and returns the status it
// was sent with, which ingress feeds back to the detector.
func HandleError(w http.ResponseWriter, r *http.Request, err error) int {
	envelope := apperrors.EnsureEnvelope(err)
	apperrors.RespondWithEnvelope(w, r, envelope)
	return apperrors.HTTPStatusFromEnvelope(envelope)
}
