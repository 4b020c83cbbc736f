// Package api exposes the HTTP surface: per-post challenge issuance
// and verification, gauntlet session management, the internal tick
// hook, health and metrics.
package api

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes returned in the error envelope.
const (
	CodeValidation       = "VALIDATION_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeUnverified       = "UNVERIFIED"
	CodeInsufficientTier = "INSUFFICIENT_TIER"
	CodeRateLimited      = "RATE_LIMITED"
	CodeNotFound         = "NOT_FOUND"
	CodeSSRFBlocked      = "SSRF_BLOCKED"
	CodeInternal         = "INTERNAL"

	CodeChallengeExpired = "CHALLENGE_EXPIRED"
	CodeBadNonce         = "BAD_NONCE"
	CodeWrongAnswer      = "WRONG_ANSWER"
	CodeTooSlow          = "TOO_SLOW"
)

type apiError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message}})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Details: details}})
}
