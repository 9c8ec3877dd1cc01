package internal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"wispchat/internal/storage"
)

// Machine-readable error kinds carried in the error envelope. The client
// maps these back to its own error classification without parsing prose.
const (
	kindValidation   = "validation"
	kindRoomNotFound = "room_not_found"
	kindNotFound     = "not_found"
	kindConflict     = "conflict"
	kindAuth         = "auth"
	kindTransient    = "transient"
)

type createRoomRequest struct {
	Room string `json:"room"`
}

type createRoomResponse struct {
	Room string `json:"room"`
}

type sendRequest struct {
	Content  string `json:"content"`
	Nickname string `json:"nickname"`
	Owner    string `json:"owner"`
	ReplyTo  *int64 `json:"reply_to_id,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
	VideoRef string `json:"video_ref,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

type sendResponse struct {
	ID      int64 `json:"id"`
	Ts      int64 `json:"ts"`
	Deduped bool  `json:"deduped"`
}

type messagesResponse struct {
	Messages []MessageView `json:"messages"`
}

type editRequest struct {
	Owner    string `json:"owner"`
	Content  string `json:"content"`
	ImageRef string `json:"image_ref,omitempty"`
	VideoRef string `json:"video_ref,omitempty"`
	AudioRef string `json:"audio_ref,omitempty"`
}

type ownerRequest struct {
	Owner string `json:"owner"`
}

type reactionRequest struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

type appliedResponse struct {
	Applied bool `json:"applied"`
}

type ttlResponse struct {
	TTLMillis int64 `json:"ttl_ms"`
}

type pruneResponse struct {
	PrunedMessages int64 `json:"pruned_messages"`
	PrunedRooms    int64 `json:"pruned_rooms"`
}

type uploadResponse struct {
	Ref string `json:"ref"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w, r, "create_room") {
		return
	}
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		s.replyError(w, "create_room", http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	code, err := s.store.CreateRoom(r.Context(), req.Room)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRoomExists):
			s.replyError(w, "create_room", http.StatusConflict, kindConflict, "room already exists")
		case errors.Is(err, storage.ErrEmptyRoomCode), errors.Is(err, storage.ErrRoomCodeTooLong):
			s.replyError(w, "create_room", http.StatusBadRequest, kindValidation, err.Error())
		default:
			s.internalError(w, "create_room", err)
		}
		return
	}
	s.activity.Touch(code)
	s.metrics.ObserveRequest("create_room", http.StatusCreated)
	writeJSON(w, http.StatusCreated, createRoomResponse{Room: code})
}

func (s *Server) handleRoomExists(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	ok, err := s.store.RoomExists(r.Context(), code)
	if err != nil {
		s.internalError(w, "room_exists", err)
		return
	}
	if !ok {
		s.replyError(w, "room_exists", http.StatusNotFound, kindRoomNotFound, "room not found")
		return
	}
	s.activity.Touch(code)
	s.metrics.ObserveRequest("room_exists", http.StatusOK)
	writeJSON(w, http.StatusOK, createRoomResponse{Room: code})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w, r, "send") {
		return
	}
	code := mux.Vars(r)["code"]
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.replyError(w, "send", http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	res, err := s.store.SendMessage(r.Context(), storage.SendParams{
		Room:     code,
		Content:  req.Content,
		Nickname: req.Nickname,
		OwnerID:  req.Owner,
		ReplyTo:  req.ReplyTo,
		Media:    storage.MediaRefs{Image: req.ImageRef, Video: req.VideoRef, Audio: req.AudioRef},
		Nonce:    req.Nonce,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRoomNotFound):
			s.replyError(w, "send", http.StatusNotFound, kindRoomNotFound, "room not found")
		case errors.Is(err, storage.ErrInvalidNickname):
			s.replyError(w, "send", http.StatusBadRequest, kindValidation, err.Error())
		case errors.Is(err, storage.ErrNonceConflict):
			s.replyError(w, "send", http.StatusConflict, kindConflict, "nonce already used")
		default:
			s.internalError(w, "send", err)
		}
		return
	}
	s.activity.Touch(code)
	if res.Deduped {
		s.metrics.IncSendDedupHits()
	} else {
		s.metrics.IncMessagesSent()
	}
	s.log.Info("message stored", "room", code, "id", res.ID, "deduped", res.Deduped)
	s.metrics.ObserveRequest("send", http.StatusCreated)
	writeJSON(w, http.StatusCreated, sendResponse{ID: res.ID, Ts: res.CreatedAt.UnixMilli(), Deduped: res.Deduped})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	ok, err := s.store.RoomExists(r.Context(), code)
	if err != nil {
		s.internalError(w, "list_messages", err)
		return
	}
	if !ok {
		s.replyError(w, "list_messages", http.StatusNotFound, kindRoomNotFound, "room not found")
		return
	}

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			s.replyError(w, "list_messages", http.StatusBadRequest, kindValidation, "after must be a non-negative integer")
			return
		}
	}
	msgs, err := s.store.MessagesAfter(r.Context(), code, after)
	if err != nil {
		s.internalError(w, "list_messages", err)
		return
	}
	s.activity.Touch(code)
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, viewFromStored(m))
	}
	s.metrics.ObserveRequest("list_messages", http.StatusOK)
	writeJSON(w, http.StatusOK, messagesResponse{Messages: views})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w, r, "edit") {
		return
	}
	code, id, ok := s.messagePath(w, r, "edit")
	if !ok {
		return
	}
	var req editRequest
	if err := decodeJSON(r, &req); err != nil {
		s.replyError(w, "edit", http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	if req.Owner == "" {
		s.replyError(w, "edit", http.StatusBadRequest, kindValidation, "owner is required")
		return
	}
	media := storage.MediaRefs{Image: req.ImageRef, Video: req.VideoRef, Audio: req.AudioRef}
	applied, err := s.store.EditMessage(r.Context(), code, id, req.Owner, req.Content, media)
	if err != nil {
		s.internalError(w, "edit", err)
		return
	}
	s.activity.Touch(code)
	if applied {
		s.metrics.IncMessagesEdited()
		s.log.Info("message edited", "room", code, "id", id)
	}
	s.metrics.ObserveRequest("edit", http.StatusOK)
	writeJSON(w, http.StatusOK, appliedResponse{Applied: applied})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w, r, "delete") {
		return
	}
	code, id, ok := s.messagePath(w, r, "delete")
	if !ok {
		return
	}
	var req ownerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.replyError(w, "delete", http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	if req.Owner == "" {
		s.replyError(w, "delete", http.StatusBadRequest, kindValidation, "owner is required")
		return
	}
	applied, err := s.store.DeleteMessage(r.Context(), code, id, req.Owner)
	if err != nil {
		s.internalError(w, "delete", err)
		return
	}
	s.activity.Touch(code)
	if applied {
		s.metrics.IncMessagesDeleted()
		s.log.Info("message deleted", "room", code, "id", id)
	}
	s.metrics.ObserveRequest("delete", http.StatusOK)
	writeJSON(w, http.StatusOK, appliedResponse{Applied: applied})
}

func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	s.handleReaction(w, r, "add_reaction", s.store.AddReaction)
}

func (s *Server) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	s.handleReaction(w, r, "remove_reaction", s.store.RemoveReaction)
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request, handler string,
	op func(ctx context.Context, room string, id int64, userID, emoji string) (bool, error)) {
	if !s.allowMutation(w, r, handler) {
		return
	}
	code, id, ok := s.messagePath(w, r, handler)
	if !ok {
		return
	}
	var req reactionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.replyError(w, handler, http.StatusBadRequest, kindValidation, err.Error())
		return
	}
	if req.UserID == "" || req.Emoji == "" {
		s.replyError(w, handler, http.StatusBadRequest, kindValidation, "user_id and emoji are required")
		return
	}
	applied, err := op(r.Context(), code, id, req.UserID, req.Emoji)
	if err != nil {
		s.internalError(w, handler, err)
		return
	}
	s.activity.Touch(code)
	if applied {
		s.metrics.IncReactionOps()
	}
	s.metrics.ObserveRequest(handler, http.StatusOK)
	writeJSON(w, http.StatusOK, appliedResponse{Applied: applied})
}

func (s *Server) handleTTL(w http.ResponseWriter, r *http.Request) {
	s.metrics.ObserveRequest("ttl", http.StatusOK)
	writeJSON(w, http.StatusOK, ttlResponse{TTLMillis: s.store.MessageTTL().Milliseconds()})
}

func (s *Server) handleAdminPrune(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.replyError(w, "admin_prune", http.StatusUnauthorized, kindAuth, "admin key required")
		return
	}
	if !s.authz.HasPermission(token, PermPrune) {
		s.replyError(w, "admin_prune", http.StatusForbidden, kindAuth, "not allowed")
		return
	}
	grace := s.store.MessageTTL()
	stats, err := s.store.PruneExpired(r.Context(), func(code string) bool {
		return s.activity.ActiveWithin(code, grace)
	})
	if err != nil {
		s.internalError(w, "admin_prune", err)
		return
	}
	for _, code := range stats.RoomCodes {
		s.activity.Forget(code)
	}
	remaining, err := s.store.RoomCount(r.Context())
	if err != nil {
		s.internalError(w, "admin_prune", err)
		return
	}
	s.metrics.ObservePrune(stats.Messages, stats.Rooms, remaining)
	s.log.Info("prune finished", "messages", stats.Messages, "rooms", stats.Rooms)
	s.metrics.ObserveRequest("admin_prune", http.StatusOK)
	writeJSON(w, http.StatusOK, pruneResponse{PrunedMessages: stats.Messages, PrunedRooms: stats.Rooms})
}

func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allowMutation(w, r, "blob_upload") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBlobBytes)
	if err := r.ParseMultipartForm(s.maxBlobBytes); err != nil {
		s.replyError(w, "blob_upload", http.StatusBadRequest, kindValidation, "invalid or oversized upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.replyError(w, "blob_upload", http.StatusBadRequest, kindValidation, "file field is required")
		return
	}
	defer file.Close()
	ref, err := s.blobs.Save(filepath.Base(header.Filename), file)
	if err != nil {
		s.internalError(w, "blob_upload", err)
		return
	}
	s.log.Info("blob stored", "ref", ref, "bytes", header.Size)
	s.metrics.ObserveRequest("blob_upload", http.StatusCreated)
	writeJSON(w, http.StatusCreated, uploadResponse{Ref: ref})
}

func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	rc, err := s.blobs.Open(ref)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			s.replyError(w, "blob_download", http.StatusNotFound, kindNotFound, "blob not found")
			return
		}
		s.internalError(w, "blob_download", err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	s.metrics.ObserveRequest("blob_download", http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// messagePath extracts and validates the {code}/{id} pair from the route.
func (s *Server) messagePath(w http.ResponseWriter, r *http.Request, handler string) (string, int64, bool) {
	vars := mux.Vars(r)
	code := vars["code"]
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil || id <= 0 {
		s.replyError(w, handler, http.StatusBadRequest, kindValidation, "invalid message id")
		return "", 0, false
	}
	return code, id, true
}

func (s *Server) replyError(w http.ResponseWriter, handler string, status int, kind, msg string) {
	s.metrics.ObserveRequest(handler, status)
	writeErrorKind(w, status, kind, msg)
}

func (s *Server) internalError(w http.ResponseWriter, handler string, err error) {
	s.log.Error("handler failed", "handler", handler, "err", err)
	s.replyError(w, handler, http.StatusInternalServerError, kindTransient, "internal error")
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorKind(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}
