package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"growthlog/api/internal/authpw"
	"growthlog/api/internal/store"
)

// memUserStore is an in-memory authpw.UserStore for end-to-end auth flows.
type memUserStore struct {
	byEmail map[string]store.User
	byID    map[string]store.User
	resets  map[string]string
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		byEmail: make(map[string]store.User),
		byID:    make(map[string]store.User),
		resets:  make(map[string]string),
	}
}

func (m *memUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := m.byEmail[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := m.byID[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memUserStore) CreateUser(_ context.Context, user store.User) error {
	m.byEmail[user.Email] = user
	m.byID[user.ID] = user
	return nil
}

func (m *memUserStore) UpdateUserVerificationToken(_ context.Context, userID, token string, _ time.Time) error {
	user := m.byID[userID]
	user.VerificationToken = token
	m.byID[userID] = user
	m.byEmail[user.Email] = user
	return nil
}

func (m *memUserStore) VerifyUserEmail(_ context.Context, token string) error {
	for id, user := range m.byID {
		if user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			m.byID[id] = user
			m.byEmail[user.Email] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memUserStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	user := m.byID[userID]
	user.PasswordHash = passwordHash
	m.byID[userID] = user
	m.byEmail[user.Email] = user
	return nil
}

func (m *memUserStore) CreatePasswordReset(_ context.Context, userID, token string, _ time.Time) error {
	m.resets[token] = userID
	return nil
}

func (m *memUserStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	userID, ok := m.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (m *memUserStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	delete(m.resets, token)
	return nil
}

func newAuthTestServer(t *testing.T) (http.Handler, *memUserStore, *fakeStore) {
	t.Helper()
	users := newMemUserStore()
	fs := &fakeStore{
		getUserByIDFn: func(ctx context.Context, id string) (store.User, error) {
			return users.GetUserByID(ctx, id)
		},
	}
	svc := newTestService(fs)
	svc.SetAuthPassword(authpw.NewService(users))
	return NewHTTPServer(svc, "*").Handler(), users, fs
}

func TestSignUpThenVerifyThenSignIn(t *testing.T) {
	handler, _, _ := newAuthTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", `{"email":"ana@example.com","password":"hunter22","displayName":"Ana"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var signup struct {
		DevVerificationToken string `json:"devVerificationToken"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &signup); err != nil {
		t.Fatalf("decode signup: %v", err)
	}
	if signup.DevVerificationToken == "" {
		t.Fatal("expected dev verification token when SMTP is not configured")
	}

	// Signing in before verification is refused.
	recorder = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", `{"email":"ana@example.com","password":"hunter22"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unverified signin: expected 403, got %d", recorder.Code)
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/auth/verify-email", "", `{"token":"`+signup.DevVerificationToken+`"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", `{"email":"ana@example.com","password":"hunter22"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("signin: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var signin struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &signin); err != nil {
		t.Fatalf("decode signin: %v", err)
	}
	if signin.AccessToken == "" || signin.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}

	// The issued token introspects as an authenticated session.
	recorder = doRequest(t, handler, http.MethodGet, "/api/session", signin.AccessToken, "")
	var session struct {
		Authenticated bool   `json:"authenticated"`
		Email         string `json:"email"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if !session.Authenticated || session.Email != "ana@example.com" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestSignUpDuplicateEmailConflicts(t *testing.T) {
	handler, _, _ := newAuthTestServer(t)

	body := `{"email":"dup@example.com","password":"hunter22","displayName":"Dup"}`
	if recorder := doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", body); recorder.Code != http.StatusCreated {
		t.Fatalf("first signup: expected 201, got %d", recorder.Code)
	}
	recorder := doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", body)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("duplicate signup: expected 409, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "EMAIL_EXISTS" {
		t.Fatalf("expected EMAIL_EXISTS, got %s", code)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	handler, _, _ := newAuthTestServer(t)

	doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", `{"email":"bo@example.com","password":"correct-horse","displayName":"Bo"}`)

	recorder := doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", `{"email":"bo@example.com","password":"wrong"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	handler, _, _ := newAuthTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", `{"email":"cy@example.com","password":"first-pass","displayName":"Cy"}`)
	var signup struct {
		DevVerificationToken string `json:"devVerificationToken"`
	}
	_ = json.Unmarshal(recorder.Body.Bytes(), &signup)
	doRequest(t, handler, http.MethodPost, "/api/auth/verify-email", "", `{"token":"`+signup.DevVerificationToken+`"}`)

	recorder = doRequest(t, handler, http.MethodPost, "/api/auth/reset-password/request", "", `{"email":"cy@example.com"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("reset request: expected 200, got %d", recorder.Code)
	}
	var request struct {
		DevResetToken string `json:"devResetToken"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &request); err != nil {
		t.Fatalf("decode reset request: %v", err)
	}
	if request.DevResetToken == "" {
		t.Fatal("expected dev reset token when SMTP is not configured")
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/auth/reset-password", "", `{"token":"`+request.DevResetToken+`","newPassword":"second-pass"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	if recorder = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", `{"email":"cy@example.com","password":"second-pass"}`); recorder.Code != http.StatusOK {
		t.Fatalf("signin with new password: expected 200, got %d", recorder.Code)
	}
	if recorder = doRequest(t, handler, http.MethodPost, "/api/auth/signin", "", `{"email":"cy@example.com","password":"first-pass"}`); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("signin with old password: expected 401, got %d", recorder.Code)
	}
}

func TestResetRequestForUnknownEmailStaysQuiet(t *testing.T) {
	handler, _, _ := newAuthTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/auth/reset-password/request", "", `{"email":"ghost@example.com"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var request struct {
		DevResetToken string `json:"devResetToken"`
	}
	_ = json.Unmarshal(recorder.Body.Bytes(), &request)
	if request.DevResetToken != "" {
		t.Fatal("reset request must not leak tokens for unknown accounts")
	}
}

func TestSessionIntrospectionWithoutToken(t *testing.T) {
	handler, _, _ := newAuthTestServer(t)

	recorder := doRequest(t, handler, http.MethodGet, "/api/session", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var session struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Authenticated {
		t.Fatal("expected unauthenticated session")
	}
}

func TestRefreshEndpointRejectsUnknownToken(t *testing.T) {
	handler, _, _ := newAuthTestServer(t)

	recorder := doRequest(t, handler, http.MethodPost, "/api/session/refresh", "", `{"refreshToken":"rft-bogus"}`)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED, got %s", code)
	}
}

func TestAuthEndpointsUnavailableWithoutService(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/auth/signup", "", `{"email":"a@b.c","password":"x","displayName":"A"}`)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}
