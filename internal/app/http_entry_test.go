package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"growthlog/api/internal/export"
	"growthlog/api/internal/store"
)

func doRequest(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeErrorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Code
}

func TestListEntriesWithoutSessionReturnsEmptyList(t *testing.T) {
	fs := &fakeStore{
		listEntriesFn: func(context.Context, string) ([]store.Entry, error) {
			t.Fatal("store must not be queried without a session")
			return nil, nil
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/entry", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if body := strings.TrimSpace(recorder.Body.String()); body != "[]" {
		t.Fatalf("expected empty list, got %s", body)
	}
}

func TestListEntriesWithStaleTokenReturnsEmptyList(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/entry", "not-a-token", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for stale token, got %d", recorder.Code)
	}
	if body := strings.TrimSpace(recorder.Body.String()); body != "[]" {
		t.Fatalf("expected empty list, got %s", body)
	}
}

func TestListEntriesReturnsOwnerEntries(t *testing.T) {
	fs := &fakeStore{
		listEntriesFn: func(_ context.Context, ownerEmail string) ([]store.Entry, error) {
			if ownerEmail != "owner@example.com" {
				t.Fatalf("expected owner scope, got %q", ownerEmail)
			}
			return []store.Entry{
				{ID: 2, Text: "second", CreatedAt: time.Now(), CompetencyIDs: []int64{3}},
				{ID: 1, Text: "first", CreatedAt: time.Now(), CompetencyIDs: []int64{}},
			}, nil
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/entry", issueTestToken(t, "usr-1"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var items []map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(items))
	}
	if items[0]["text"] != "second" {
		t.Fatalf("expected store order preserved, got %v", items[0])
	}
	if _, ok := items[1]["competencies"].([]any); !ok {
		t.Fatalf("expected competencies array, got %v", items[1]["competencies"])
	}
}

func TestCreateEntryRequiresSession(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/entry", "", `{"text":"hi"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED, got %s", code)
	}
}

func TestCreateEntryReturnsCreatedPayload(t *testing.T) {
	var storedIDs []int64
	fs := &fakeStore{
		createEntryFn: func(_ context.Context, ownerEmail, text string, ids []int64) (store.Entry, error) {
			storedIDs = ids
			return store.Entry{ID: 11, UserEmail: ownerEmail, Text: text, CompetencyIDs: ids, CreatedAt: time.Now()}, nil
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/entry", issueTestToken(t, "usr-1"), `{"text":"led the retro","competencyIDs":[3,5]}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(storedIDs) != 2 || storedIDs[0] != 3 || storedIDs[1] != 5 {
		t.Fatalf("expected competencyIDs [3 5] passed to the store, got %v", storedIDs)
	}

	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["id"] != float64(11) {
		t.Fatalf("expected id 11, got %v", payload["id"])
	}
	if payload["text"] != "led the retro" {
		t.Fatalf("unexpected text %v", payload["text"])
	}
	if payload["createdAt"] == nil {
		t.Fatal("expected createdAt in the response")
	}
	tags, ok := payload["competencies"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("expected competencies [3 5] in the response, got %v", payload["competencies"])
	}
}

func TestCreateEntryRejectsMalformedJSON(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/entry", issueTestToken(t, "usr-1"), `{"text":`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %s", code)
	}
}

func TestCreateEntryRejectsUnknownCompetency(t *testing.T) {
	fs := &fakeStore{
		createEntryFn: func(context.Context, string, string, []int64) (store.Entry, error) {
			return store.Entry{}, fmt.Errorf("competency 9999: %w", store.ErrUnknownCompetency)
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/entry", issueTestToken(t, "usr-1"), `{"text":"x","competencyIDs":[9999]}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "INVALID_COMPETENCY" {
		t.Fatalf("expected INVALID_COMPETENCY, got %s", code)
	}
}

func TestUpdateEntryWithoutIDReturnsMissingID(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPut, "/api/entry", issueTestToken(t, "usr-1"), `{"text":"x"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "MISSING_ID" {
		t.Fatalf("expected MISSING_ID, got %s", code)
	}
}

func TestUpdateEntryWithNonNumericIDReturnsMissingID(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPut, "/api/entry/abc", issueTestToken(t, "usr-1"), `{"text":"x"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "MISSING_ID" {
		t.Fatalf("expected MISSING_ID, got %s", code)
	}
}

func TestUpdateEntryReplacesTextAndTags(t *testing.T) {
	var gotID int64
	var gotIDs []int64
	fs := &fakeStore{
		updateEntryFn: func(_ context.Context, ownerEmail string, id int64, text string, ids []int64) error {
			if ownerEmail != "owner@example.com" {
				t.Fatalf("expected owner scope, got %q", ownerEmail)
			}
			gotID = id
			gotIDs = ids
			return nil
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPut, "/api/entry/42", issueTestToken(t, "usr-1"), `{"text":"revised","competencyIDs":[2]}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var updated struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &updated); err != nil || updated.Message == "" {
		t.Fatalf("expected a message body, got %s", recorder.Body.String())
	}
	if gotID != 42 {
		t.Fatalf("expected id 42, got %d", gotID)
	}
	if len(gotIDs) != 1 || gotIDs[0] != 2 {
		t.Fatalf("expected full tag replacement with [2], got %v", gotIDs)
	}
}

func TestUpdateMissingEntryReturnsNotFound(t *testing.T) {
	fs := &fakeStore{
		updateEntryFn: func(context.Context, string, int64, string, []int64) error {
			return sql.ErrNoRows
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPut, "/api/entry/404", issueTestToken(t, "usr-1"), `{"text":"x"}`)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestDeleteEntryWithoutIDReturnsMissingID(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodDelete, "/api/entry", issueTestToken(t, "usr-1"), "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "MISSING_ID" {
		t.Fatalf("expected MISSING_ID, got %s", code)
	}
}

func TestDeleteEntryScopedToOwner(t *testing.T) {
	var gotOwner string
	var gotID int64
	fs := &fakeStore{
		deleteEntryFn: func(_ context.Context, ownerEmail string, id int64) error {
			gotOwner = ownerEmail
			gotID = id
			return nil
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodDelete, "/api/entry/7", issueTestToken(t, "usr-1"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if gotOwner != "owner@example.com" || gotID != 7 {
		t.Fatalf("expected delete scoped to owner@example.com id 7, got %s %d", gotOwner, gotID)
	}
	var deleted struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &deleted); err != nil || deleted.Message == "" {
		t.Fatalf("expected a message body, got %s", recorder.Body.String())
	}
}

func TestDeleteMissingEntryReturnsNotFound(t *testing.T) {
	fs := &fakeStore{
		deleteEntryFn: func(context.Context, string, int64) error { return sql.ErrNoRows },
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodDelete, "/api/entry/7", issueTestToken(t, "usr-1"), "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestListCompetenciesReadableWithoutSession(t *testing.T) {
	fs := &fakeStore{
		listCompetenciesFn: func(context.Context) ([]store.Competency, error) {
			return []store.Competency{{ID: 1, Skill: "Communication"}}, nil
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/competency", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 without a session, got %d", recorder.Code)
	}
}

func TestListCompetenciesReturnsCatalog(t *testing.T) {
	fs := &fakeStore{
		listCompetenciesFn: func(context.Context) ([]store.Competency, error) {
			return []store.Competency{
				{ID: 1, Skill: "Communication", Description: "Sharing information clearly"},
				{ID: 2, Skill: "Teamwork", Description: "Working well with others"},
			}, nil
		},
	}
	handler := NewHTTPServer(newTestService(fs), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/competency", issueTestToken(t, "usr-1"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var items []map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(items) != 2 || items[0]["skill"] != "Communication" {
		t.Fatalf("unexpected catalog %v", items)
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/nonsense", issueTestToken(t, "usr-1"), "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestExportWithUnknownFormatReturnsInvalidBody(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/export?format=docx", issueTestToken(t, "usr-1"), "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if code := decodeErrorCode(t, recorder); code != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %s", code)
	}
}

func TestExportDefaultsToHTML(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/export", issueTestToken(t, "usr-1"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if ct := recorder.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected HTML content type, got %q", ct)
	}
}

func TestMapErrorPDFDependencyMissing(t *testing.T) {
	wrapped := fmt.Errorf("render pdf: %w", export.ErrPDFDependencyMissing)
	status, code, _, _ := mapError(wrapped)
	if status != http.StatusServiceUnavailable || code != "EXPORT_UNAVAILABLE" {
		t.Fatalf("expected 503 EXPORT_UNAVAILABLE, got %d %s", status, code)
	}
}
