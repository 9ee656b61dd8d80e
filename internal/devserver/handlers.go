package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatline/internal/config"
	"github.com/chatline/internal/logger"
	"github.com/chatline/internal/middleware"
	"github.com/chatline/internal/model"
	"github.com/chatline/internal/push"
	"github.com/chatline/internal/repository"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// PresenceReader exposes the live-connection marks the hub mirrors into
// shared storage. nil falls back to the DB is_online column alone.
type PresenceReader interface {
	OnlineUsers(ctx context.Context) ([]string, error)
}

// API holds the REST handlers and their collaborators.
type API struct {
	cfg      *config.Config
	users    *repository.UserRepository
	msgs     *repository.MessageRepository
	reacts   *repository.ReactionRepository
	blocks   *repository.BlockRepository
	hub      *Hub
	tokens   *TokenIssuer
	sender   *push.Sender
	presence PresenceReader
}

func NewAPI(
	cfg *config.Config,
	users *repository.UserRepository,
	msgs *repository.MessageRepository,
	reacts *repository.ReactionRepository,
	blocks *repository.BlockRepository,
	hub *Hub,
	tokens *TokenIssuer,
	sender *push.Sender,
	presence PresenceReader,
) *API {
	return &API{
		cfg:      cfg,
		users:    users,
		msgs:     msgs,
		reacts:   reacts,
		blocks:   blocks,
		hub:      hub,
		tokens:   tokens,
		sender:   sender,
		presence: presence,
	}
}

// onlineSet reads the presence mirror. Empty on error: the DB flag, updated
// by this very server, still covers the single-instance case.
func (a *API) onlineSet(ctx context.Context) map[string]struct{} {
	if a.presence == nil {
		return nil
	}
	ids, err := a.presence.OnlineUsers(ctx)
	if err != nil {
		logger.Errorf("presence online users: %v", err)
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// markOnline raises the online flag for users present in the mirror. The DB
// flag is never lowered: the mirror can lag a just-closed connection.
func markOnline(users []model.UserPublic, online map[string]struct{}) {
	for i := range users {
		if _, ok := online[users[i].ID]; ok {
			users[i].IsOnline = true
		}
	}
}

type credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type authResponse struct {
	Token string           `json:"token"`
	User  model.UserPublic `json:"user"`
}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || len(creds.Password) < 6 {
		writeError(w, http.StatusBadRequest, "username and password (6+ chars) required")
		return
	}

	hashed, err := hashPassword(creds.Password)
	if err != nil {
		logger.Errorf("register hash: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	now := time.Now().UTC()
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     creds.Username,
		DisplayName:  creds.DisplayName,
		PasswordHash: hashed,
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := a.users.Create(r.Context(), u); err != nil {
		// Гонка на уникальном username: повторная проверка после ошибки вставки.
		if _, getErr := a.users.GetByUsername(r.Context(), creds.Username); getErr == nil {
			writeError(w, http.StatusConflict, "username taken")
			return
		}
		logger.Errorf("register create: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	token, err := a.tokens.Issue(u.ID, u.Username)
	if err != nil {
		logger.Errorf("register token: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: u.ToPublic()})
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	u, err := a.users.GetByUsername(r.Context(), strings.TrimSpace(creds.Username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logger.Errorf("login lookup: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !checkPassword(u.PasswordHash, creds.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := a.tokens.Issue(u.ID, u.Username)
	if err != nil {
		logger.Errorf("login token: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: u.ToPublic()})
}

// Messages returns a page of the conversation with peer_id in chronological
// order. Fetching a page marks the peer's messages as seen and notifies the
// peer's sessions of the status change.
func (a *API) Messages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "peer_id required")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)

	messages, err := a.msgs.GetConversation(r.Context(), userID, peerID, limit, offset)
	if err != nil {
		logger.Errorf("messages %s<->%s: %v", userID, peerID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	seenIDs, err := a.msgs.MarkSeen(r.Context(), userID, peerID)
	if err != nil {
		logger.Errorf("messages mark seen %s<->%s: %v", userID, peerID, err)
	} else if len(seenIDs) > 0 {
		seen := make(map[string]struct{}, len(seenIDs))
		for _, id := range seenIDs {
			seen[id] = struct{}{}
		}
		for i := range messages {
			if _, ok := seen[messages[i].ID]; ok {
				messages[i].Status = model.MessageStatusSeen
			}
		}
		a.hub.BroadcastSeen(r.Context(), peerID, seenIDs)
	}

	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
	}
	reactions, err := a.reacts.GetByMessages(r.Context(), ids)
	if err != nil {
		logger.Errorf("messages reactions: %v", err)
	} else {
		for i := range messages {
			messages[i].Reactions = reactions[messages[i].ID]
		}
	}

	writeJSON(w, http.StatusOK, messages)
}

func (a *API) Conversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convs, err := a.msgs.Conversations(r.Context(), userID)
	if err != nil {
		logger.Errorf("conversations %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	online := a.onlineSet(r.Context())
	for i := range convs {
		u, err := a.users.GetByID(r.Context(), convs[i].Peer.ID)
		if err != nil {
			continue
		}
		convs[i].Peer = u.ToPublic()
		if _, ok := online[convs[i].Peer.ID]; ok {
			convs[i].Peer.IsOnline = true
		}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (a *API) Users(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	users, err := a.users.ListAll(r.Context(), userID, 500)
	if err != nil {
		logger.Errorf("users list: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]model.UserPublic, len(users))
	for i := range users {
		out[i] = users[i].ToPublic()
	}
	markOnline(out, a.onlineSet(r.Context()))
	writeJSON(w, http.StatusOK, out)
}

func (a *API) Blocked(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	users, err := a.blocks.ListBlocked(r.Context(), userID)
	if err != nil {
		logger.Errorf("blocked list %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if users == nil {
		users = []model.UserPublic{}
	}
	writeJSON(w, http.StatusOK, users)
}

type blockRequest struct {
	TargetID string `json:"target_id"`
}

func (a *API) Block(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "target_id required")
		return
	}
	if req.TargetID == userID {
		writeError(w, http.StatusBadRequest, "cannot block yourself")
		return
	}
	if err := a.blocks.Block(r.Context(), userID, req.TargetID); err != nil {
		logger.Errorf("block %s->%s: %v", userID, req.TargetID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) Unblock(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "target_id required")
		return
	}
	if err := a.blocks.Unblock(r.Context(), userID, req.TargetID); err != nil {
		logger.Errorf("unblock %s->%s: %v", userID, req.TargetID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) Profile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	u, err := a.users.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}

type profileUpdate struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func (a *API) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var upd profileUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	u, err := a.users.GetByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if upd.DisplayName != "" {
		u.DisplayName = upd.DisplayName
	}
	if upd.AvatarURL != "" {
		u.AvatarURL = upd.AvatarURL
	}
	if err := a.users.UpdateProfile(r.Context(), userID, u.DisplayName, u.AvatarURL); err != nil {
		logger.Errorf("update profile %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}

type uploadResponse struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileType string `json:"file_type"`
}

// Upload accepts a multipart file and stores it under a random name; the
// original name survives only in the response (and the eventual message).
func (a *API) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(a.cfg.UploadDir, 0o755); err != nil {
		logger.Errorf("upload mkdir: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	ext := filepath.Ext(header.Filename)
	stored := uuid.New().String() + ext
	dst, err := os.Create(filepath.Join(a.cfg.UploadDir, stored))
	if err != nil {
		logger.Errorf("upload create: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer dst.Close()
	size, err := io.Copy(dst, file)
	if err != nil {
		logger.Errorf("upload copy: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	fileType := header.Header.Get("Content-Type")
	if fileType == "" {
		fileType = mime.TypeByExtension(ext)
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		FileURL:  "/api/files/" + stored,
		FileName: strings.TrimSpace(strings.ReplaceAll(header.Filename, "+", " ")),
		FileSize: size,
		FileType: fileType,
	})
}

func (a *API) ServeFile(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	if filename == "." || filename == "/" {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	http.ServeFile(w, r, filepath.Join(a.cfg.UploadDir, filename))
}

func (a *API) VAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if a.cfg.VAPIDPublicKey == "" {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(a.cfg.VAPIDPublicKey))
}

func (a *API) PushSubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var sub push.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription (endpoint, keys.p256dh, keys.auth) required")
		return
	}
	if err := a.sender.Subscribe(r.Context(), userID, sub); err != nil {
		logger.Errorf("push subscribe %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) PushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := a.sender.Unsubscribe(r.Context(), userID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(a.cfg.CORSAllowedOrigins)
	if allowed == "*" || allowed == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades an authenticated request and hands the connection to the hub.
func (a *API) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !a.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return a.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(a.hub, conn, userID)
	client.Start(ctx, cancel)
	a.hub.Register(client)
}
