package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"user_service/internal/auth"
	"user_service/internal/lib/jwt"
	"user_service/internal/models"
	"user_service/internal/storage"
	"user_service/internal/users"

	"golang.org/x/crypto/bcrypt"
)

// memStore backs both the credential store and the refresh token store.
type memStore struct {
	mu     sync.Mutex
	users  map[int64]models.User
	tokens map[string]*models.RefreshToken
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{
		users:  make(map[int64]models.User),
		tokens: make(map[string]*models.RefreshToken),
	}
}

func (s *memStore) SaveUser(_ context.Context, name, email, username string, passHash []byte) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username || u.Email == email {
			return models.User{}, storage.ErrUserExists
		}
	}

	s.nextID++
	u := models.User{
		ID:        s.nextID,
		Name:      name,
		Email:     email,
		Username:  username,
		PassHash:  passHash,
		CreatedAt: time.Now(),
	}
	s.users[u.ID] = u

	return u, nil
}

func (s *memStore) UserByUsername(_ context.Context, username string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}

	return models.User{}, storage.ErrUserNotFound
}

func (s *memStore) UserByID(_ context.Context, id int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return models.User{}, storage.ErrUserNotFound
	}

	return u, nil
}

func (s *memStore) Users(_ context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}

	return out, nil
}

func (s *memStore) UpdateUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return storage.ErrUserNotFound
	}

	s.users[user.ID] = user

	return nil
}

func (s *memStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return storage.ErrUserNotFound
	}

	delete(s.users, id)

	return nil
}

func (s *memStore) SaveRefreshToken(_ context.Context, rt models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[rt.Token] = &rt

	return nil
}

func (s *memStore) ActiveRefreshToken(_ context.Context, token string, userID int64) (models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[token]
	if !ok || rt.Revoked || rt.UserID != userID || time.Now().After(rt.ExpiresAt) {
		return models.RefreshToken{}, storage.ErrRefreshTokenNotFound
	}

	return *rt, nil
}

func (s *memStore) RevokeRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[token]
	if !ok || rt.Revoked {
		return storage.ErrRefreshTokenNotFound
	}

	rt.Revoked = true

	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (p *fakePublisher) SendMessage(_ context.Context, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.msgs = append(p.msgs, msg)

	return nil
}

func newTestRouter(t *testing.T) (http.Handler, *memStore, *fakePublisher) {
	t.Helper()

	tokens, err := jwt.New(jwt.Config{
		AccessSecret:  "test-access-secret",
		RefreshSecret: "test-refresh-secret",
		AccessTTL:     48 * time.Hour,
		RefreshTTL:    168 * time.Hour,
	})
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}

	store := newMemStore()
	pub := &fakePublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	authService := auth.New(log, store, store, tokens)
	usersService := users.New(log, store)

	return NewRouter(log, authService, usersService, pub), store, pub
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body map[string]any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}

	return rec, decoded
}

func registerAlice(t *testing.T, h http.Handler) {
	t.Helper()

	rec, _ := doJSON(t, h, http.MethodPost, "/users/register", "", map[string]any{
		"name":     "Alice Example",
		"email":    "alice@example.com",
		"userName": "alice",
		"password": "correct-password",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func loginAlice(t *testing.T, h http.Handler) (access, refresh string) {
	t.Helper()

	rec, body := doJSON(t, h, http.MethodPost, "/users/login", "", map[string]any{
		"userName": "alice",
		"password": "correct-password",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	access, _ = body["accessToken"].(string)
	refresh, _ = body["refreshToken"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("login response missing tokens: %s", rec.Body.String())
	}

	return access, refresh
}

func TestRegisterValidation(t *testing.T) {
	h, _, _ := newTestRouter(t)

	// Username of length 2 is rejected.
	rec, _ := doJSON(t, h, http.MethodPost, "/users/register", "", map[string]any{
		"name":     "Short Name",
		"email":    "short@example.com",
		"userName": "ab",
		"password": "some-password",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("username len 2: status = %d, want 400", rec.Code)
	}

	// Length 3 is the minimum and succeeds.
	rec, body := doJSON(t, h, http.MethodPost, "/users/register", "", map[string]any{
		"name":     "Bob Example",
		"email":    "bob@example.com",
		"userName": "bob",
		"password": "some-password",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("username len 3: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if user, ok := body["user"].(map[string]any); !ok {
		t.Fatalf("register response missing user: %s", rec.Body.String())
	} else if _, exposed := user["password"]; exposed {
		t.Fatal("register response exposes password")
	}

	// Same username again is rejected.
	rec, _ = doJSON(t, h, http.MethodPost, "/users/register", "", map[string]any{
		"name":     "Bob Clone",
		"email":    "bob2@example.com",
		"userName": "bob",
		"password": "some-password",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate username: status = %d, want 400", rec.Code)
	}
}

func TestRegisterPublishesWelcomeEvent(t *testing.T) {
	h, _, pub := newTestRouter(t)
	registerAlice(t, h)

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	if pub.msgs[0].Email != "alice@example.com" || pub.msgs[0].Purpose != "welcome" {
		t.Fatalf("unexpected message: %+v", pub.msgs[0])
	}
}

func TestLoginAndProfile(t *testing.T) {
	h, _, _ := newTestRouter(t)
	registerAlice(t, h)

	rec, _ := doJSON(t, h, http.MethodPost, "/users/login", "", map[string]any{
		"userName": "alice",
		"password": "wrong-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status = %d, want 401", rec.Code)
	}

	access, _ := loginAlice(t, h)

	// Missing token.
	rec, _ = doJSON(t, h, http.MethodGet, "/users/profile", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	// Present but invalid token.
	rec, _ = doJSON(t, h, http.MethodGet, "/users/profile", "garbage-token", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("invalid token: status = %d, want 403", rec.Code)
	}

	rec, body := doJSON(t, h, http.MethodGet, "/users/profile", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	user, _ := body["user"].(map[string]any)
	if user["userName"] != "alice" {
		t.Fatalf("profile user = %v, want alice", user)
	}
}

func TestRefreshRotation(t *testing.T) {
	h, _, _ := newTestRouter(t)
	registerAlice(t, h)
	_, refresh := loginAlice(t, h)

	rec, body := doJSON(t, h, http.MethodPost, "/users/refresh-token", "", map[string]any{
		"refreshToken": refresh,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body["refreshToken"] == refresh {
		t.Fatal("rotation returned the same refresh token")
	}

	// Replaying the rotated-away token fails.
	rec, _ = doJSON(t, h, http.MethodPost, "/users/refresh-token", "", map[string]any{
		"refreshToken": refresh,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: status = %d, want 401", rec.Code)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	h, _, _ := newTestRouter(t)
	registerAlice(t, h)
	access, refresh := loginAlice(t, h)

	for i := 0; i < 2; i++ {
		rec, _ := doJSON(t, h, http.MethodPost, "/users/logout", access, map[string]any{
			"refreshToken": refresh,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("logout #%d: status = %d, body = %s", i+1, rec.Code, rec.Body.String())
		}
	}

	// The revoked token is no longer usable for rotation.
	rec, _ := doJSON(t, h, http.MethodPost, "/users/refresh-token", "", map[string]any{
		"refreshToken": refresh,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status = %d, want 401", rec.Code)
	}
}

func TestUserCRUD(t *testing.T) {
	h, store, _ := newTestRouter(t)
	registerAlice(t, h)
	access, _ := loginAlice(t, h)

	// Create.
	rec, body := doJSON(t, h, http.MethodPost, "/users/", access, map[string]any{
		"name":     "Bob Example",
		"email":    "bob@example.com",
		"userName": "bob",
		"password": "some-password",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created, _ := body["user"].(map[string]any)
	bobID := strconv.Itoa(int(created["id"].(float64)))

	// List.
	rec, body = doJSON(t, h, http.MethodGet, "/users/", access, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	list, _ := body["users"].([]any)
	if len(list) != 2 {
		t.Fatalf("list len = %d, want 2", len(list))
	}

	// Update changes the password hash.
	var oldHash string
	if u, err := store.UserByUsername(context.Background(), "bob"); err != nil {
		t.Fatalf("load bob: %v", err)
	} else {
		oldHash = string(u.PassHash)
	}

	rec, _ = doJSON(t, h, http.MethodPut, "/users/"+bobID, access, map[string]any{
		"name":     "Bob Renamed",
		"password": "rotated-password",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	u, err := store.UserByUsername(context.Background(), "bob")
	if err != nil {
		t.Fatalf("load bob: %v", err)
	}
	if u.Name != "Bob Renamed" {
		t.Errorf("name = %q, want %q", u.Name, "Bob Renamed")
	}
	if string(u.PassHash) == oldHash {
		t.Error("password hash unchanged after password update")
	}
	if err := bcrypt.CompareHashAndPassword(u.PassHash, []byte("rotated-password")); err != nil {
		t.Errorf("new password does not match stored hash: %v", err)
	}

	// Delete.
	rec, _ = doJSON(t, h, http.MethodDelete, "/users/"+bobID, access, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodGet, "/users/"+bobID, access, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestProfileAfterUserDeleted(t *testing.T) {
	h, store, _ := newTestRouter(t)
	registerAlice(t, h)
	access, _ := loginAlice(t, h)

	u, err := store.UserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("load alice: %v", err)
	}
	if err := store.DeleteUser(context.Background(), u.ID); err != nil {
		t.Fatalf("delete alice: %v", err)
	}

	// The access token is still cryptographically valid, but the user is gone.
	rec, _ := doJSON(t, h, http.MethodGet, "/users/profile", access, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("profile of deleted user: status = %d, want 404", rec.Code)
	}
}
