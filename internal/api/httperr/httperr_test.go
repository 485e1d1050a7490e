package httperr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, http.StatusConflict, ReasonAlreadyPartnered, "user already has a partner")

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "Conflict" {
		t.Errorf("code = %q", env.Error.Code)
	}
	if env.Error.ReasonCode != ReasonAlreadyPartnered {
		t.Errorf("reason code = %q", env.Error.ReasonCode)
	}
	if env.Error.Message != "user already has a partner" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestHelpers(t *testing.T) {
	cases := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		reason string
	}{
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, ReasonUnauthenticated, "x") }, 401, ReasonUnauthenticated},
		{"not found", func(w http.ResponseWriter) { WriteNotFound(w, "x") }, 404, ReasonNotFound},
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, ReasonMissingField, "x") }, 400, ReasonMissingField},
		{"too many requests", func(w http.ResponseWriter) { WriteTooManyRequests(w, "x") }, 429, ReasonRateLimited},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w, "x") }, 500, ReasonInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.write(rec)
			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			var env Envelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatal(err)
			}
			if env.Error.ReasonCode != tc.reason {
				t.Errorf("reason = %q, want %q", env.Error.ReasonCode, tc.reason)
			}
		})
	}
}
