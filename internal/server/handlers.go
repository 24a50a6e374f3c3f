package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/auth"
	"github.com/courier-chat/courier/internal/directory"
	"github.com/courier-chat/courier/internal/history"
	"github.com/courier-chat/courier/internal/registry"
)

// APIService exposes the account, room and history surface over HTTP. The
// websocket carries only live traffic; everything with request/response
// semantics lives here.
type APIService struct {
	log      *zap.Logger
	users    *auth.FileStore
	tokens   *auth.Tokens
	resolver *auth.Resolver
	dir      *directory.Directory
	history  *history.Service
	registry *registry.Registry
	offline  func(auth.User)
}

// NewAPIService wires the HTTP handlers.
func NewAPIService(log *zap.Logger, users *auth.FileStore, tokens *auth.Tokens, resolver *auth.Resolver, dir *directory.Directory, hist *history.Service, reg *registry.Registry) *APIService {
	return &APIService{
		log:      log,
		users:    users,
		tokens:   tokens,
		resolver: resolver,
		dir:      dir,
		history:  hist,
		registry: reg,
	}
}

// Register mounts every API route on mux.
func (s *APIService) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/auth/me", s.authorized(s.handleMe))
	mux.HandleFunc("POST /api/auth/logout", s.authorized(s.handleLogout))
	mux.HandleFunc("GET /api/users", s.authorized(s.handleUsers))
	mux.HandleFunc("GET /api/rooms", s.authorized(s.handleRooms))
	mux.HandleFunc("POST /api/rooms/private", s.authorized(s.handleCreatePrivate))
	mux.HandleFunc("POST /api/rooms/group", s.authorized(s.handleCreateGroup))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.authorized(s.handleDeleteGroup))
	mux.HandleFunc("POST /api/rooms/{id}/members", s.authorized(s.handleAddMember))
	mux.HandleFunc("DELETE /api/rooms/{id}/members/{userID}", s.authorized(s.handleRemoveMember))
	mux.HandleFunc("GET /api/rooms/{id}/history", s.authorized(s.handleHistory))
}

type userView struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Online   bool   `json:"online,omitempty"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

type credentialsRequest struct {
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

func (s *APIService) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	user, err := s.users.Create(req.Nickname, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "token issue failed")
		return
	}
	s.log.Info("user registered", zap.String("user_id", user.ID), zap.String("nickname", user.Nickname))
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: userView{ID: user.ID, Nickname: user.Nickname}})
}

func (s *APIService) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	user, err := s.users.Authenticate(req.Nickname, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "nickname or password incorrect")
		return
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: userView{ID: user.ID, Nickname: user.Nickname}})
}

func (s *APIService) handleMe(w http.ResponseWriter, _ *http.Request, user auth.User) {
	writeJSON(w, http.StatusOK, userView{ID: user.ID, Nickname: user.Nickname, Online: s.registry.IsOnline(user.ID)})
}

// OnLogout registers the presence hook invoked after a logout takes an
// identity offline.
func (s *APIService) OnLogout(fn func(auth.User)) {
	s.offline = fn
}

// handleLogout severs every live connection of the account. Tokens are
// stateless; clients discard theirs after calling this.
func (s *APIService) handleLogout(w http.ResponseWriter, _ *http.Request, user auth.User) {
	severed := false
	for _, c := range s.registry.ConnectionsFor(user.ID) {
		if s.registry.Disconnect(c) {
			severed = true
		}
	}
	if severed && s.offline != nil {
		s.offline(user)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIService) handleUsers(w http.ResponseWriter, _ *http.Request, user auth.User) {
	all := s.users.All()
	out := make([]userView, 0, len(all))
	for _, u := range all {
		if u.ID == user.ID {
			continue
		}
		out = append(out, userView{ID: u.ID, Nickname: u.Nickname, Online: s.registry.IsOnline(u.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

type roomView struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	Name    string   `json:"name,omitempty"`
	Creator string   `json:"creator_id,omitempty"`
	Members []string `json:"members"`
}

func viewOf(room directory.Room) roomView {
	return roomView{
		ID:      room.ID,
		Kind:    string(room.Kind),
		Name:    room.Name,
		Creator: room.CreatorID,
		Members: room.Members,
	}
}

func (s *APIService) handleRooms(w http.ResponseWriter, _ *http.Request, user auth.User) {
	rooms := s.dir.RoomsFor(user.ID)
	out := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, viewOf(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *APIService) handleCreatePrivate(w http.ResponseWriter, r *http.Request, user auth.User) {
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	if _, err := s.users.ByID(req.PeerID); err != nil {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "peer does not exist")
		return
	}
	room, err := s.dir.CreatePrivate(user.ID, req.PeerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(room))
}

func (s *APIService) handleCreateGroup(w http.ResponseWriter, r *http.Request, user auth.User) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	room, err := s.dir.CreateGroup(req.Name, user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.log.Info("group created", zap.String("room_id", room.ID), zap.String("creator_id", user.ID))
	writeJSON(w, http.StatusCreated, viewOf(room))
}

func (s *APIService) handleDeleteGroup(w http.ResponseWriter, r *http.Request, user auth.User) {
	if err := s.dir.DeleteGroup(r.PathValue("id"), user.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIService) handleAddMember(w http.ResponseWriter, r *http.Request, user auth.User) {
	roomID := r.PathValue("id")
	if !s.dir.IsMember(roomID, user.ID) {
		writeError(w, http.StatusForbidden, "NOT_A_MEMBER", "not a member of this room")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	if _, err := s.users.ByID(req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "user does not exist")
		return
	}
	if err := s.dir.AddMember(roomID, req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIService) handleRemoveMember(w http.ResponseWriter, r *http.Request, user auth.User) {
	roomID := r.PathValue("id")
	target := r.PathValue("userID")
	// Members may leave on their own; removing someone else requires
	// membership of the remover.
	if target != user.ID && !s.dir.IsMember(roomID, user.ID) {
		writeError(w, http.StatusForbidden, "NOT_A_MEMBER", "not a member of this room")
		return
	}
	if err := s.dir.RemoveMember(roomID, target); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIService) handleHistory(w http.ResponseWriter, r *http.Request, user auth.User) {
	roomID := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be an integer")
			return
		}
		limit = n
	}

	if v := r.URL.Query().Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "after must be a sequence number")
			return
		}
		msgs, err := s.history.Since(r.Context(), user.ID, roomID, after, limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
		return
	}

	msgs, err := s.history.Recent(r.Context(), user.ID, roomID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type authedHandler func(http.ResponseWriter, *http.Request, auth.User)

// authorized resolves the bearer token before invoking next.
func (s *APIService) authorized(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.resolver.Resolve(credentialFrom(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing token")
			return
		}
		next(w, r, user)
	}
}

type errorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Code: code, Detail: detail})
}

// writeDomainError maps package sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrNicknameTaken):
		writeError(w, http.StatusConflict, "NICKNAME_TAKEN", "nickname already in use")
	case errors.Is(err, auth.ErrNicknameTooShort):
		writeError(w, http.StatusBadRequest, "NICKNAME_TOO_SHORT", "nickname must be at least 3 characters")
	case errors.Is(err, auth.ErrPasswordTooShort):
		writeError(w, http.StatusBadRequest, "PASSWORD_TOO_SHORT", "password must be at least 6 characters")
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "user does not exist")
	case errors.Is(err, directory.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "ROOM_NOT_FOUND", "room does not exist")
	case errors.Is(err, directory.ErrNotAMember):
		writeError(w, http.StatusForbidden, "NOT_A_MEMBER", "not a member of this room")
	case errors.Is(err, directory.ErrSelfChat):
		writeError(w, http.StatusBadRequest, "SELF_CHAT", "cannot open a private chat with yourself")
	case errors.Is(err, directory.ErrNameTooShort):
		writeError(w, http.StatusBadRequest, "NAME_TOO_SHORT", "group name must be at least 3 characters")
	case errors.Is(err, directory.ErrNotCreator):
		writeError(w, http.StatusForbidden, "NOT_CREATOR", "only the creator may delete a group")
	case errors.Is(err, directory.ErrFixedMembers):
		writeError(w, http.StatusBadRequest, "FIXED_MEMBERS", "private chat membership cannot change")
	case errors.Is(err, directory.ErrLastMember):
		writeError(w, http.StatusBadRequest, "LAST_MEMBER", "cannot remove the last member")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
