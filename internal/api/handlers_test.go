package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"monkchat/internal/auth"
	"monkchat/internal/blob"
	"monkchat/internal/chat"
	"monkchat/internal/config"
	"monkchat/internal/models"
	"monkchat/internal/service/gateway"
	"monkchat/internal/service/history"
	"monkchat/internal/service/inline"
	"monkchat/internal/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type stubCompleter struct {
	mu    sync.Mutex
	reqs  []gateway.Request
	reply string
	err   error
}

func (s *stubCompleter) Complete(_ context.Context, req gateway.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.reply, s.err
}

func (s *stubCompleter) last() gateway.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

type testServer struct {
	router    *gin.Engine
	db        *storage.DB
	completer *stubCompleter
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()
	srv.completer.reply = "Breathe in, breathe out."

	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)

	// Fresh conversation is empty.
	convResp := doJSONRequest(t, srv.router, http.MethodGet, base+"/conversation", nil, authHeader)
	assertStatus(t, convResp, http.StatusOK)
	state := decodeState(t, convResp)
	if state.SessionID != 0 || len(state.Messages) != 0 {
		t.Fatalf("expected empty conversation, got %+v", state)
	}

	sendResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/msg",
		map[string]any{"text": "How do I meditate?"}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	state = decodeState(t, sendResp)
	if state.SessionID <= 0 {
		t.Fatalf("expected a session to be created")
	}
	if len(state.Messages) != 2 || state.Loading || state.Error != "" {
		t.Fatalf("unexpected state after send: %+v", state)
	}
	if state.Messages[1].Content.Text() != "Breathe in, breathe out." {
		t.Fatalf("unexpected reply %q", state.Messages[1].Content.Text())
	}
	if got := countMessages(t, srv.db, state.SessionID); got != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", got)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, base+"/sessions", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Sessions []models.Session `json:"session_list"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Sessions) != 1 || listBody.Sessions[0].Title != "How do I meditate?" {
		t.Fatalf("unexpected session list: %+v", listBody.Sessions)
	}

	renameResp := doJSONRequest(t, srv.router, http.MethodPatch,
		fmt.Sprintf("%s/sessions/%d", base, state.SessionID), map[string]string{"title": "Morning practice"}, authHeader)
	assertStatus(t, renameResp, http.StatusNoContent)

	msgsResp := doJSONRequest(t, srv.router, http.MethodGet,
		fmt.Sprintf("%s/sessions/%d/messages", base, state.SessionID), nil, authHeader)
	assertStatus(t, msgsResp, http.StatusOK)
	var msgsBody struct {
		Session  models.Session   `json:"session"`
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgsResp.Body.Bytes(), &msgsBody)
	if msgsBody.Session.Title != "Morning practice" || len(msgsBody.Messages) != 2 {
		t.Fatalf("unexpected session messages: %+v", msgsBody)
	}

	newResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/new", nil, authHeader)
	assertStatus(t, newResp, http.StatusOK)
	if st := decodeState(t, newResp); st.SessionID != 0 || len(st.Messages) != 0 {
		t.Fatalf("new chat should be empty, got %+v", st)
	}

	selectResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/select",
		map[string]int64{"session_id": state.SessionID}, authHeader)
	assertStatus(t, selectResp, http.StatusOK)
	if st := decodeState(t, selectResp); st.SessionID != state.SessionID || len(st.Messages) != 2 {
		t.Fatalf("select did not restore the session: %+v", st)
	}

	// Follow-up turns carry the whole history.
	sendResp = doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/msg",
		map[string]any{"text": "And after that?"}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	if got := len(srv.completer.last().Messages); got != 3 {
		t.Fatalf("expected 3 outbound messages, got %d", got)
	}

	deleteResp := doJSONRequest(t, srv.router, http.MethodDelete,
		fmt.Sprintf("%s/sessions/%d", base, state.SessionID), nil, authHeader)
	assertStatus(t, deleteResp, http.StatusNoContent)
	if got := countMessages(t, srv.db, state.SessionID); got != 0 {
		t.Fatalf("expected messages deleted, got %d", got)
	}
	convResp = doJSONRequest(t, srv.router, http.MethodGet, base+"/conversation", nil, authHeader)
	if st := decodeState(t, convResp); st.SessionID != 0 || len(st.Messages) != 0 {
		t.Fatalf("deleting the active session should clear the conversation, got %+v", st)
	}

	logoutResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	afterResp := doJSONRequest(t, srv.router, http.MethodGet, base+"/sessions", nil, authHeader)
	assertStatus(t, afterResp, http.StatusUnauthorized)
}

func TestHandlersRequireAuthorization(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/1/conversation/msg",
		map[string]any{"text": "hi"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/users/1/sessions", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	assertStatus(t, resp, http.StatusUnauthorized)

	userID, authHeader := registerAndLogin(t, srv.router)
	resp = doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/users/%d/sessions", userID+1), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()
	registerAndLogin(t, srv.router)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/login",
		map[string]string{"email": "nobody@example.com", "password": "whatever"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/users/register",
		map[string]string{"email": "bad", "password": "secret-pass"}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestSendMessageValidation(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()
	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)

	resp := doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/msg",
		map[string]any{"text": "   "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/msg",
		map[string]any{"text": "look", "image_ids": []int64{999}}, authHeader)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/select",
		map[string]int64{"session_id": 0}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
	if len(srv.completer.reqs) != 0 {
		t.Fatalf("no completion should have been requested")
	}
}

func TestSendMessageGatewayFailureKeepsUserMessage(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()
	srv.completer.err = &gateway.Error{Status: http.StatusInternalServerError, Detail: "upstream exploded"}

	userID, authHeader := registerAndLogin(t, srv.router)
	resp := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"text": "hello?"}, authHeader)
	assertStatus(t, resp, http.StatusBadGateway)

	state := decodeState(t, resp)
	if state.Loading {
		t.Fatalf("loading should be cleared after failure")
	}
	if !strings.Contains(state.Error, "500") {
		t.Fatalf("expected status in error, got %q", state.Error)
	}
	if len(state.Messages) != 1 || state.Messages[0].Role != models.RoleUser {
		t.Fatalf("user message should stay visible, got %+v", state.Messages)
	}
	if got := countMessages(t, srv.db, state.SessionID); got != 1 {
		t.Fatalf("expected only the user message persisted, got %d", got)
	}
}

func TestUploadAndSendImage(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()
	srv.completer.reply = "A tiny square."

	userID, authHeader := registerAndLogin(t, srv.router)
	base := fmt.Sprintf("/api/users/%d", userID)

	uploadResp := doMultipartRequest(t, srv.router, base+"/uploads", map[string][]byte{
		"square.png": pngHeader,
		"notes.txt":  []byte("plain text is not an image"),
	}, authHeader)
	assertStatus(t, uploadResp, http.StatusCreated)
	var uploadBody struct {
		Uploads []models.Upload `json:"uploads"`
		Skipped []string        `json:"skipped"`
	}
	decodeJSON(t, uploadResp.Body.Bytes(), &uploadBody)
	if len(uploadBody.Uploads) != 1 || uploadBody.Uploads[0].MimeType != "image/png" {
		t.Fatalf("unexpected uploads: %+v", uploadBody.Uploads)
	}
	if len(uploadBody.Skipped) != 1 || uploadBody.Skipped[0] != "notes.txt" {
		t.Fatalf("expected the text file to be skipped, got %v", uploadBody.Skipped)
	}
	uploadID := uploadBody.Uploads[0].ID

	getResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("%s/uploads/%d", base, uploadID), nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	if !bytes.Equal(getResp.Body.Bytes(), pngHeader) {
		t.Fatalf("served bytes differ from upload")
	}

	sendResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/msg",
		map[string]any{"text": "What is this?", "image_ids": []int64{uploadID, uploadID}}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	state := decodeState(t, sendResp)

	userMsg := state.Messages[0]
	if !userMsg.Content.IsMultimodal() || len(userMsg.Content.Images()) != 1 {
		t.Fatalf("expected one image part, got %+v", userMsg.Content.Parts())
	}
	wantURL := fmt.Sprintf("/api/users/%d/uploads/%d", userID, uploadID)
	if userMsg.Content.Images()[0].URL != wantURL {
		t.Fatalf("display url = %q, want %q", userMsg.Content.Images()[0].URL, wantURL)
	}

	outbound := srv.completer.last().Messages[0]
	if len(outbound.Parts) != 2 {
		t.Fatalf("expected text and image parts, got %+v", outbound.Parts)
	}
	if !strings.HasPrefix(outbound.Parts[1].ImageURL, "data:image/png;base64,") {
		t.Fatalf("image was not inlined: %q", outbound.Parts[1].ImageURL)
	}

	// Another user cannot read the image.
	otherID, otherHeader := registerAndLogin(t, srv.router)
	resp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/users/%d/uploads/%d", otherID, uploadID), nil, otherHeader)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestUploadRejectsOversizedFileBeforeStoringAny(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()

	userID, authHeader := registerAndLogin(t, srv.router)
	big := make([]byte, maxUploadBytes+1)
	copy(big, pngHeader)

	resp := doMultipartRequest(t, srv.router, fmt.Sprintf("/api/users/%d/uploads", userID), map[string][]byte{
		"a.png":   pngHeader,
		"b.png":   pngHeader,
		"big.png": big,
	}, authHeader)
	assertStatus(t, resp, http.StatusRequestEntityTooLarge)
	if n := countRows(t, srv.db, "image_uploads"); n != 0 {
		t.Fatalf("expected no stored uploads, got %d", n)
	}
}

func TestDeleteUserRemovesAccount(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()
	srv.completer.reply = "Farewell."

	userID, authHeader := registerAndLoginAs(t, srv.router, "leaving@example.com")
	base := fmt.Sprintf("/api/users/%d", userID)
	_, otherHeader := registerAndLoginAs(t, srv.router, "staying@example.com")

	uploadResp := doMultipartRequest(t, srv.router, base+"/uploads", map[string][]byte{"a.png": pngHeader}, authHeader)
	assertStatus(t, uploadResp, http.StatusCreated)
	sendResp := doJSONRequest(t, srv.router, http.MethodPost, base+"/conversation/msg", map[string]string{"text": "bye"}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)

	// a second live token for the same account
	loginResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    "leaving@example.com",
		"password": "pass1234",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var second struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &second)

	resp := doJSONRequest(t, srv.router, http.MethodDelete, base, nil, otherHeader)
	assertStatus(t, resp, http.StatusForbidden)

	resp = doJSONRequest(t, srv.router, http.MethodDelete, base, nil, authHeader)
	assertStatus(t, resp, http.StatusNoContent)

	for _, header := range []map[string]string{authHeader, {"Authorization": "Bearer " + second.AuthToken}} {
		resp = doJSONRequest(t, srv.router, http.MethodGet, base+"/sessions", nil, header)
		assertStatus(t, resp, http.StatusUnauthorized)
	}
	var kept int
	if err := srv.db.QueryRow(`SELECT COUNT(*) FROM user_tokens t JOIN users u ON u.id = t.user_id WHERE u.email = ?`, "staying@example.com").Scan(&kept); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if kept != 1 {
		t.Fatalf("other user's token was revoked")
	}
	if n := countRows(t, srv.db, "chat_sessions"); n != 0 {
		t.Fatalf("expected sessions removed, got %d", n)
	}
	if n := countRows(t, srv.db, "chat_messages"); n != 0 {
		t.Fatalf("expected messages removed, got %d", n)
	}
	if n := countRows(t, srv.db, "image_uploads"); n != 0 {
		t.Fatalf("expected uploads removed, got %d", n)
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    "leaving@example.com",
		"password": "pass1234",
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestCookieRequestsNeedCSRFHeader(t *testing.T) {
	srv := newTestServer(t)
	defer srv.db.Close()
	srv.completer.reply = "ok"

	userID, _ := registerAndLoginAs(t, srv.router, "cookie@example.com")
	cookies := loginCookies(t, srv.router, "cookie@example.com")
	path := fmt.Sprintf("/api/users/%d/conversation/msg", userID)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusForbidden)

	req = httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
		if c.Name == "csrf_token" {
			req.Header.Set("X-CSRF-Token", c.Value)
		}
	}
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	blobs, err := blob.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("disk store: %v", err)
	}
	historySvc := history.NewService(db, blobs, nil)
	completer := &stubCompleter{}
	gw := gateway.NewGateway(completer, inline.NewInliner(blobs),
		config.LLMConfig{Model: "test-model", Temperature: 0.7, MaxTokens: 4000}, nil)
	manager := chat.NewManager(historySvc, gw, nil, nil)
	authSvc := auth.NewService(db, nil, time.Hour)

	handler := NewHandler(authSvc, historySvc, manager, nil)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, db: db, completer: completer}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doMultipartRequest(t *testing.T, router *gin.Engine, path string, files map[string][]byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range files {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) chat.State {
	t.Helper()
	var body struct {
		State chat.State `json:"state"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	return body.State
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *storage.DB, sessionID int64) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func countRows(t *testing.T, db *storage.DB, table string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	return registerAndLoginAs(t, router, fmt.Sprintf("seeker_%d@example.com", time.Now().UnixNano()))
}

func registerAndLoginAs(t *testing.T, router *gin.Engine, email string) (int64, map[string]string) {
	t.Helper()
	password := "pass1234"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		ID        int64  `json:"id"`
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" || loginBody.ID != regBody.ID {
		t.Fatalf("unexpected login body: %s", loginResp.Body.String())
	}
	return regBody.ID, map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

func loginCookies(t *testing.T, router *gin.Engine, email string) []*http.Cookie {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"email":    email,
		"password": "pass1234",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		CSRFHeader string `json:"csrf_header"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.CSRFHeader != "X-CSRF-Token" {
		t.Fatalf("unexpected csrf header name %q", body.CSRFHeader)
	}
	cookies := resp.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected auth and csrf cookies, got %d", len(cookies))
	}
	return cookies
}
