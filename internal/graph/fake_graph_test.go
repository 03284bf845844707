package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"teams-messenger/internal/config"
)

const (
	testTenant   = "contoso-tenant"
	testUsername = "bot@contoso.com"
	testSelfID   = "SELF"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	ChatID  string
	Request chatMessageRequest
}

// fakeGraph serves the token endpoint and the Graph routes used by Client.
type fakeGraph struct {
	t      *testing.T
	server *httptest.Server

	mu sync.Mutex

	accessToken  string
	expiresIn    int
	tokenStatus  int
	tokenBody    string
	tokenCalls   int
	lastTokenReq url.Values
	tokenDelay   time.Duration

	users map[string]string

	chats       []Chat
	pageSize    int
	pageCalls   int
	failPage    int
	foreignNext bool
	expandSeen  []string

	createCalls  int
	created      []createChatRequest
	createStatus int

	messages      []sentMessage
	messageStatus int
	retryAfter    string
	truncateBody  bool
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()

	fg := &fakeGraph{
		t:           t,
		accessToken: "T",
		expiresIn:   3600,
		users:       map[string]string{testUsername: testSelfID},
		pageSize:    2,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /"+testTenant+"/oauth2/v2.0/token", fg.handleToken)
	mux.HandleFunc("GET /v1.0/users/{email}", fg.authorized(fg.handleUser))
	mux.HandleFunc("GET /v1.0/me/chats", fg.authorized(fg.handleChats))
	mux.HandleFunc("POST /v1.0/chats", fg.authorized(fg.handleCreateChat))
	mux.HandleFunc("POST /v1.0/chats/{chatID}/messages", fg.authorized(fg.handleMessage))

	fg.server = httptest.NewServer(mux)
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGraph) config() *config.Config {
	return &config.Config{
		TenantID:     testTenant,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scope:        config.DefaultScope,
		Username:     testUsername,
		Password:     "p@ss",
		GraphBaseURL: fg.server.URL + "/v1.0",
		LoginBaseURL: fg.server.URL,
	}
}

func (fg *fakeGraph) newClient(clock *fakeClock) *Client {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewClient(fg.config(), WithClock(clock.Now), WithLogger(logger))
}

func (fg *fakeGraph) TokenCalls() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.tokenCalls
}

func (fg *fakeGraph) PageCalls() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.pageCalls
}

func (fg *fakeGraph) CreateCalls() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.createCalls
}

func (fg *fakeGraph) Messages() []sentMessage {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return append([]sentMessage(nil), fg.messages...)
}

func (fg *fakeGraph) addChat(chat Chat) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.chats = append(fg.chats, chat)
}

func (fg *fakeGraph) handleToken(w http.ResponseWriter, r *http.Request) {
	assert.NoError(fg.t, r.ParseForm())

	fg.mu.Lock()
	fg.tokenCalls++
	fg.lastTokenReq = r.PostForm
	status, body, token, expiresIn, delay := fg.tokenStatus, fg.tokenBody, fg.accessToken, fg.expiresIn, fg.tokenDelay
	fg.mu.Unlock()

	time.Sleep(delay)

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token_type":   "Bearer",
		"access_token": token,
		"expires_in":   expiresIn,
	})
}

func (fg *fakeGraph) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fg.mu.Lock()
		expected := "Bearer " + fg.accessToken
		fg.mu.Unlock()
		if r.Header.Get("Authorization") != expected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"code":"InvalidAuthenticationToken"}}`)
			return
		}
		next(w, r)
	}
}

func (fg *fakeGraph) handleUser(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")

	fg.mu.Lock()
	id, ok := fg.users[email]
	fg.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":{"code":"Request_ResourceNotFound","message":"Resource '%s' does not exist."}}`, email)
		return
	}
	_ = json.NewEncoder(w).Encode(User{ID: id, Mail: email})
}

func (fg *fakeGraph) handleChats(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("$skiptoken"))

	fg.mu.Lock()
	fg.pageCalls++
	page := fg.pageCalls
	fg.expandSeen = append(fg.expandSeen, r.URL.Query().Get("$expand"))
	failPage, foreign, size := fg.failPage, fg.foreignNext, fg.pageSize
	chats := append([]Chat(nil), fg.chats...)
	fg.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failPage != 0 && page == failPage {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"code":"InternalServerError","message":"page failed"}}`)
		return
	}

	end := min(skip+size, len(chats))
	resp := chatPage{Value: chats[skip:end]}
	if end < len(chats) {
		next := url.Values{"$skiptoken": {strconv.Itoa(end)}}
		if expand := r.URL.Query().Get("$expand"); expand != "" {
			next.Set("$expand", expand)
		}
		host := fg.server.URL
		if foreign {
			host = "https://evil.example.com"
		}
		resp.NextLink = host + "/v1.0/me/chats?" + next.Encode()
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (fg *fakeGraph) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	assert.NoError(fg.t, json.NewDecoder(r.Body).Decode(&req))

	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.createCalls++
	fg.created = append(fg.created, req)

	w.Header().Set("Content-Type", "application/json")
	if fg.createStatus != 0 {
		w.WriteHeader(fg.createStatus)
		_, _ = io.WriteString(w, `{"error":{"code":"Forbidden","message":"cannot create chat"}}`)
		return
	}

	chat := Chat{ID: fmt.Sprintf("C%d", fg.createCalls), ChatType: req.ChatType}
	for _, m := range req.Members {
		userID := m.UserBind[len(fg.server.URL+"/v1.0/users/"):]
		chat.Members = append(chat.Members, ChatMember{ID: "membership-" + userID, UserID: userID})
	}
	fg.chats = append(fg.chats, chat)

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(chat)
}

func (fg *fakeGraph) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req chatMessageRequest
	assert.NoError(fg.t, json.NewDecoder(r.Body).Decode(&req))
	chatID := r.PathValue("chatID")

	fg.mu.Lock()
	defer fg.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fg.messageStatus != 0 {
		if fg.retryAfter != "" {
			w.Header().Set("Retry-After", fg.retryAfter)
		}
		if fg.truncateBody {
			w.Header().Set("Content-Length", "512")
		}
		w.WriteHeader(fg.messageStatus)
		_, _ = io.WriteString(w, `{"error":{"code":"Throttled","message":"send rejected"}}`)
		return
	}

	fg.messages = append(fg.messages, sentMessage{ChatID: chatID, Request: req})
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(SentMessage{
		ID:              fmt.Sprintf("M%d", len(fg.messages)),
		ChatID:          chatID,
		CreatedDateTime: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
}
