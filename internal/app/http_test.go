package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"labfolio/api/internal/auth"
	"labfolio/api/internal/store"
)

func issueTestToken(t *testing.T, userID, name, email string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:   userID,
		Name:  name,
		Email: email,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
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
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, recorder.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")
	recorder := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")
	recorder := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["ok"] != true {
		t.Fatalf("expected ready, got %v", payload)
	}
}

func TestCollaboratorsRequiresAuth(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	recorder := doRequest(t, server, http.MethodGet, "/api/documents/note_1/collaborators", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if decodeResponse(t, recorder)["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED code")
	}

	recorder = doRequest(t, server, http.MethodGet, "/api/documents/note_1/collaborators", "not-a-token", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", recorder.Code)
	}
}

func TestCollaboratorsEndpoint(t *testing.T) {
	fs := newFakeStore()
	doc := seedDocument(fs)
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, doc.OwnerID, "Avery Ruiz", "avery@lab.example")

	recorder := doRequest(t, server, http.MethodGet, "/api/documents/"+doc.ID+"/collaborators", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["isOwner"] != true {
		t.Fatalf("expected isOwner true")
	}
	collaborators := payload["collaborators"].([]any)
	if len(collaborators) != 1 {
		t.Fatalf("expected one collaborator, got %d", len(collaborators))
	}
	entry := collaborators[0].(map[string]any)
	if entry["permissionLevel"] != "owner" {
		t.Fatalf("expected owner entry, got %v", entry)
	}
}

func TestCollaboratorsUnknownDocumentMapsNotFound(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")
	token := issueTestToken(t, "user_owner", "Avery", "avery@lab.example")

	recorder := doRequest(t, server, http.MethodGet, "/api/documents/missing/collaborators", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if decodeResponse(t, recorder)["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND code")
	}
}

func TestCreateInvitationEndpoint(t *testing.T) {
	fs := newFakeStore()
	doc := seedDocument(fs)
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, doc.OwnerID, "Avery Ruiz", "avery@lab.example")

	recorder := doRequest(t, server, http.MethodPost, "/api/documents/"+doc.ID+"/invitations", token,
		`{"email":"noor@lab.example","permissionLevel":"viewer"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["emailSent"] != false {
		t.Fatalf("expected emailSent false without delivery channels")
	}
	if body := recorder.Body.String(); strings.Contains(body, "tokenHash") {
		t.Fatalf("token material leaked into the response: %s", body)
	}
}

func TestCreateInvitationTaxonomy(t *testing.T) {
	fs := newFakeStore()
	doc := seedDocument(fs)
	fs.profiles["user_2"] = store.Profile{ID: "user_2", Email: "held@lab.example"}
	fs.grants[grantKey(doc.ID, "user_2")] = store.AccessGrant{
		DocumentID: doc.ID, UserID: "user_2", PermissionLevel: "editor",
	}
	server := NewHTTPServer(newTestService(fs), "*")
	ownerToken := issueTestToken(t, doc.OwnerID, "Avery Ruiz", "avery@lab.example")
	otherToken := issueTestToken(t, "user_3", "Sam", "sam@lab.example")

	tests := []struct {
		name   string
		token  string
		body   string
		status int
		code   string
	}{
		{"forbidden for non-owner", otherToken, `{"email":"x@lab.example","permissionLevel":"viewer"}`, http.StatusForbidden, "FORBIDDEN"},
		{"invalid level", ownerToken, `{"email":"x@lab.example","permissionLevel":"owner"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"self invite", ownerToken, `{"email":"avery@lab.example","permissionLevel":"viewer"}`, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"existing grant", ownerToken, `{"email":"held@lab.example","permissionLevel":"viewer"}`, http.StatusConflict, "CONFLICT"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := doRequest(t, server, http.MethodPost, "/api/documents/"+doc.ID+"/invitations", tc.token, tc.body)
			if recorder.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, recorder.Code, recorder.Body.String())
			}
			if got := decodeResponse(t, recorder)["code"]; got != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, got)
			}
		})
	}
}

func TestSetPermissionEndpoint(t *testing.T) {
	fs := newFakeStore()
	doc := seedDocument(fs)
	fs.grants[grantKey(doc.ID, "user_2")] = store.AccessGrant{
		DocumentID: doc.ID, UserID: "user_2", PermissionLevel: "viewer",
	}
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, doc.OwnerID, "Avery Ruiz", "avery@lab.example")

	recorder := doRequest(t, server, http.MethodPatch, "/api/documents/"+doc.ID+"/collaborators/user_2", token,
		`{"permissionLevel":"editor"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if fs.grants[grantKey(doc.ID, "user_2")].PermissionLevel != "editor" {
		t.Fatalf("expected grant updated via endpoint")
	}

	recorder = doRequest(t, server, http.MethodPatch, "/api/documents/"+doc.ID+"/collaborators/"+doc.OwnerID, token,
		`{"permissionLevel":"viewer"}`)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for owner target, got %d", recorder.Code)
	}
}

func TestRemoveCollaboratorEndpoint(t *testing.T) {
	fs := newFakeStore()
	doc := seedDocument(fs)
	fs.grants[grantKey(doc.ID, "user_2")] = store.AccessGrant{
		DocumentID: doc.ID, UserID: "user_2", PermissionLevel: "viewer",
	}
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, doc.OwnerID, "Avery Ruiz", "avery@lab.example")

	recorder := doRequest(t, server, http.MethodDelete, "/api/documents/"+doc.ID+"/collaborators/user_2", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if decodeResponse(t, recorder)["success"] != true {
		t.Fatalf("expected success true")
	}

	recorder = doRequest(t, server, http.MethodDelete, "/api/documents/"+doc.ID+"/collaborators/user_ghost", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown collaborator, got %d", recorder.Code)
	}
}

func TestRevokeInvitationEndpoint(t *testing.T) {
	fs := newFakeStore()
	doc := seedDocument(fs)
	inv := store.Invitation{
		ID: "inv_1", DocumentID: doc.ID, Email: "noor@lab.example",
		PermissionLevel: "viewer", Status: store.InviteStatusPending,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}
	fs.invitations[inv.ID] = inv
	server := NewHTTPServer(newTestService(fs), "*")
	token := issueTestToken(t, doc.OwnerID, "Avery Ruiz", "avery@lab.example")

	recorder := doRequest(t, server, http.MethodDelete, "/api/invitations/inv_1", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if _, ok := fs.invitations["inv_1"]; ok {
		t.Fatalf("expected hard delete")
	}

	recorder = doRequest(t, server, http.MethodDelete, "/api/invitations/inv_1", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second revoke, got %d", recorder.Code)
	}
}

func TestUnknownRouteNotFound(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")
	token := issueTestToken(t, "user_owner", "Avery", "avery@lab.example")

	recorder := doRequest(t, server, http.MethodGet, "/api/nope", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	recorder := doRequest(t, server, http.MethodGet, "/api/session", "", "")
	if decodeResponse(t, recorder)["authenticated"] != false {
		t.Fatalf("expected unauthenticated")
	}

	token := issueTestToken(t, "user_owner", "Avery Ruiz", "avery@lab.example")
	recorder = doRequest(t, server, http.MethodGet, "/api/session", token, "")
	payload := decodeResponse(t, recorder)
	if payload["authenticated"] != true || payload["userId"] != "user_owner" {
		t.Fatalf("expected authenticated session payload, got %v", payload)
	}
}
