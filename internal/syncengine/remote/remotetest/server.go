// Package remotetest provides an in-memory signal backend for tests.
//
// The server implements the HTTP contract of package remote with gorilla/mux
// and the realtime push channel with coder/websocket. Every request is
// recorded, and failures can be scripted per route:
//
//	srv := remotetest.NewServer()
//	defer srv.Close()
//	srv.AddUser("pub@example.com", "secret", "Publisher")
//	srv.FailNext("POST /api/polls", 0, "")      // drop the connection once
//	srv.FailNext("POST /api/polls", 409, "deadline has passed")
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/signalcast/signalsync/internal/syncengine/remote"
)

// Call is one recorded request.
type Call struct {
	Route string // "METHOD /template", e.g. "PUT /api/polls/{id}"
	Path  string
	Query string
	Body  json.RawMessage
}

// Frame is one realtime message.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type failure struct {
	status int
	msg    string
}

type user struct {
	password string
	name     string
}

// Server is a fake backend.
type Server struct {
	*httptest.Server

	secret []byte

	mu       sync.Mutex
	users    map[string]user
	tokens   map[string]string // token -> email
	polls    map[int64]*remote.Poll
	votes    map[int64]map[string]remote.Vote
	labels   []remote.Label
	nextID   int64
	labelID  int64
	calls    []Call
	failures map[string][]failure
	now      func() time.Time

	// realtime
	subs      map[*subscriber]struct{}
	silent    bool
	connected chan string
}

type subscriber struct {
	user   string
	frames chan Frame
	kill   chan struct{}
}

// NewServer starts a fake backend on a random local port.
func NewServer() *Server {
	s := &Server{
		secret:    []byte("remotetest-secret"),
		users:     map[string]user{},
		tokens:    map[string]string{},
		polls:     map[int64]*remote.Poll{},
		votes:     map[int64]map[string]remote.Vote{},
		nextID:    1,
		labelID:   1,
		failures:  map[string][]failure{},
		now:       time.Now,
		subs:      map[*subscriber]struct{}{},
		connected: make(chan string, 16),
	}

	r := mux.NewRouter()
	r.Use(s.recordAndFail)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/realtime", s.handleRealtime).Methods(http.MethodGet)

	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.requireAuth)
	protected.HandleFunc("/polls", s.handleCreatePoll).Methods(http.MethodPost)
	protected.HandleFunc("/polls/{id:[0-9]+}", s.handleEditPoll).Methods(http.MethodPut)
	protected.HandleFunc("/polls/{id:[0-9]+}", s.handleDeletePoll).Methods(http.MethodDelete)
	protected.HandleFunc("/polls/{id:[0-9]+}/votes", s.handleVote).Methods(http.MethodPost)
	protected.HandleFunc("/polls/{id:[0-9]+}/results", s.handleResults).Methods(http.MethodGet)
	protected.HandleFunc("/labels", s.handleListLabels).Methods(http.MethodGet)
	protected.HandleFunc("/labels", s.handleCreateLabel).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

// RealtimeURL returns the websocket endpoint of the push channel.
func (s *Server) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/api/realtime"
}

// SetNow overrides the clock used for deadline checks.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// AddUser registers credentials accepted by the login endpoint.
func (s *Server) AddUser(email, password, name string) {
	s.mu.Lock()
	s.users[email] = user{password: password, name: name}
	s.mu.Unlock()
}

// IssueToken returns a valid token for email without a login call.
func (s *Server) IssueToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueTokenLocked(email)
}

// SetNextPollID sets the id the next created poll receives.
func (s *Server) SetNextPollID(id int64) {
	s.mu.Lock()
	s.nextID = id
	s.mu.Unlock()
}

// FailNext scripts the next request on route to fail. Status 0 drops the
// connection without a response. Calls queue up in order.
func (s *Server) FailNext(route string, status int, msg string) {
	s.mu.Lock()
	s.failures[route] = append(s.failures[route], failure{status: status, msg: msg})
	s.mu.Unlock()
}

// Calls returns the recorded requests, optionally filtered by route.
func (s *Server) Calls(route string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if route == "" || c.Route == route {
			out = append(out, c)
		}
	}
	return out
}

// Poll returns a copy of a stored poll.
func (s *Server) Poll(id int64) (remote.Poll, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return remote.Poll{}, false
	}
	return *p, true
}

// Votes returns the votes recorded for a poll.
func (s *Server) Votes(id int64) []remote.Vote {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []remote.Vote
	for _, v := range s.votes[id] {
		out = append(out, v)
	}
	return out
}

// PutLabel stores a label as if another client had created it.
func (s *Server) PutLabel(l remote.Label) remote.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.labels {
		if s.labels[i].Name == l.Name {
			l.ID = s.labels[i].ID
			s.labels[i] = l
			return l
		}
	}
	return s.appendLabelLocked(l)
}

// createLabel stores l unless a label with the same name exists, in which
// case the existing label is returned unchanged.
func (s *Server) createLabel(l remote.Label) remote.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.labels {
		if existing.Name == l.Name {
			return existing
		}
	}
	return s.appendLabelLocked(l)
}

func (s *Server) appendLabelLocked(l remote.Label) remote.Label {
	l.ID = s.labelID
	s.labelID++
	s.labels = append(s.labels, l)
	return l
}

// Labels returns the stored labels.
func (s *Server) Labels() []remote.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Label(nil), s.labels...)
}

// SetSilent stops the server from acknowledging realtime connections, which
// leaves clients without any traffic (watchdog tests).
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Connected receives the user of every accepted realtime connection.
func (s *Server) Connected() <-chan string {
	return s.connected
}

// Push sends a frame to every realtime subscriber.
func (s *Server) Push(eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame := Frame{Type: eventType, Data: raw}
	if data == nil {
		frame.Data = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.frames <- frame:
		default:
		}
	}
	return nil
}

// DropRealtime closes every realtime connection from the server side.
func (s *Server) DropRealtime() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		close(sub.kill)
		delete(s.subs, sub)
	}
}

// Subscribers returns the number of open realtime connections.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// ===== middleware =====

func (s *Server) recordAndFail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		if m := mux.CurrentRoute(r); m != nil {
			if tmpl, err := m.GetPathTemplate(); err == nil {
				route = r.Method + " " + stripPattern(tmpl)
			}
		}

		var body json.RawMessage
		if r.Body != nil && r.Method != http.MethodGet {
			_ = json.NewDecoder(r.Body).Decode(&body)
			r.Body.Close()
		}
		r.Body = http.NoBody

		s.mu.Lock()
		s.calls = append(s.calls, Call{Route: route, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
		var fail *failure
		if queue := s.failures[route]; len(queue) > 0 {
			f := queue[0]
			s.failures[route] = queue[1:]
			fail = &f
		}
		s.mu.Unlock()

		if fail != nil {
			if fail.status == 0 {
				hijackAndClose(w)
				return
			}
			writeError(w, fail.status, fail.msg)
			return
		}

		ctx := context.WithValue(r.Context(), bodyKey{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type bodyKey struct{}
type userKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		email, ok := s.tokens[token]
		s.mu.Unlock()
		if token == "" || !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, email)))
	})
}

// ===== handlers =====

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Email]
	if !ok || u.password != req.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token := s.issueTokenLocked(req.Email)
	s.mu.Unlock()

	writeData(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	var poll remote.Poll
	if err := decodeBody(r, &poll); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := checkPoll(&poll); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}

	s.mu.Lock()
	if !poll.Deadline.After(s.now()) {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "deadline has passed")
		return
	}
	id := s.nextID
	s.nextID++
	poll.ID = &id
	s.polls[id] = &poll
	s.mu.Unlock()

	writeData(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleEditPoll(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var poll remote.Poll
	if err := decodeBody(r, &poll); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := checkPoll(&poll); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polls[id]; !ok {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	poll.ID = &id
	s.polls[id] = &poll
	if r.URL.Query().Get("republish") == "true" {
		delete(s.votes, id)
	}
	writeData(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) handleDeletePoll(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.polls[id]; !ok {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	delete(s.polls, id)
	delete(s.votes, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var vote remote.Vote
	if err := decodeBody(r, &vote); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	vote.PollID = id
	if err := vote.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	poll, ok := s.polls[id]
	if !ok {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	if !poll.Deadline.After(s.now()) {
		writeError(w, http.StatusConflict, "deadline has passed")
		return
	}
	if s.votes[id] == nil {
		s.votes[id] = map[string]remote.Vote{}
	}
	s.votes[id][vote.UserID] = vote
	writeData(w, http.StatusCreated, nil)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	poll, ok := s.polls[id]
	if !ok {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}

	res := remote.Results{PollID: id, Counts: map[string]int{}, Consumers: len(poll.Consumers)}
	for _, v := range s.votes[id] {
		res.Total++
		switch {
		case v.SkipReason != "":
			res.Skipped++
		case v.DefaultResponse != "":
			res.Defaults++
		default:
			res.Counts[v.SelectedOption]++
		}
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Labels())
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	var l remote.Label
	if err := decodeBody(r, &l); err != nil || strings.TrimSpace(l.Name) == "" {
		writeError(w, http.StatusBadRequest, "label name is required")
		return
	}
	writeData(w, http.StatusCreated, s.createLabel(l))
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	email, ok := s.tokens[token]
	silent := s.silent
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{user: email, frames: make(chan Frame, 32), kill: make(chan struct{})}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	select {
	case s.connected <- r.URL.Query().Get("user"):
	default:
	}

	ctx := conn.CloseRead(r.Context())
	if !silent {
		if err := writeFrame(ctx, conn, Frame{Type: "CONNECTED"}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.kill:
			conn.Close(websocket.StatusGoingAway, "dropped")
			return
		case f := <-sub.frames:
			if err := writeFrame(ctx, conn, f); err != nil {
				return
			}
		}
	}
}

// ===== helpers =====

func (s *Server) issueTokenLocked(email string) string {
	name := s.users[email].name
	claims := jwt.MapClaims{
		"sub":   email,
		"email": email,
		"name":  name,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
		"jti":   strconv.Itoa(len(s.tokens) + 1),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("remotetest: sign token: %v", err))
	}
	s.tokens[token] = email
	return token
}

func checkPoll(p *remote.Poll) string {
	if strings.TrimSpace(p.Question) == "" {
		return "question is required"
	}
	if len(p.Options) < 2 {
		return "at least two options are required"
	}
	return ""
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, raw)
}

func decodeBody(r *http.Request, dst any) error {
	raw, _ := r.Context().Value(bodyKey{}).(json.RawMessage)
	if len(raw) == 0 {
		return fmt.Errorf("request body is required")
	}
	return json.Unmarshal(raw, dst)
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

func hijackAndClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "connection dropped")
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	conn.Close()
}

// stripPattern turns "/api/polls/{id:[0-9]+}" into "/api/polls/{id}".
func stripPattern(tmpl string) string {
	var b strings.Builder
	depth := 0
	skipping := false
	for _, r := range tmpl {
		switch {
		case r == '{':
			depth++
			b.WriteRune(r)
		case r == '}':
			depth--
			skipping = false
			b.WriteRune(r)
		case r == ':' && depth == 1:
			skipping = true
		case !skipping:
			b.WriteRune(r)
		}
	}
	return b.String()
}
