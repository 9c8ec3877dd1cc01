package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ChatAPI is the thin HTTP client the sync layer talks through. Methods
// return *APIError for anything the server rejected and plain errors for
// transport failures.
type ChatAPI struct {
	baseURL string
	http    *http.Client
}

func NewChatAPI(baseURL string) *ChatAPI {
	return &ChatAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ChatAPI) CreateRoom(ctx context.Context, room string) error {
	payload := createRoomRequest{Room: room}
	return c.doJSON(ctx, http.MethodPost, "/rooms", payload, nil)
}

func (c *ChatAPI) RoomExists(ctx context.Context, room string) (bool, error) {
	err := c.doJSON(ctx, http.MethodGet, "/rooms/"+url.PathEscape(room), nil, nil)
	if err == nil {
		return true, nil
	}
	if IsRoomNotFound(err) {
		return false, nil
	}
	return false, err
}

// SendMessage posts a message and returns the server's acknowledgment: the
// assigned id, the stored timestamp, and whether the nonce table answered
// instead of a fresh append.
func (c *ChatAPI) SendMessage(ctx context.Context, room string, req sendRequest) (sendResponse, error) {
	var resp sendResponse
	if err := c.doJSON(ctx, http.MethodPost, "/rooms/"+url.PathEscape(room)+"/messages", req, &resp); err != nil {
		return sendResponse{}, err
	}
	return resp, nil
}

func (c *ChatAPI) Messages(ctx context.Context, room string) ([]MessageView, error) {
	return c.MessagesAfter(ctx, room, 0)
}

func (c *ChatAPI) MessagesAfter(ctx context.Context, room string, afterID int64) ([]MessageView, error) {
	path := "/rooms/" + url.PathEscape(room) + "/messages"
	if afterID > 0 {
		path += "?after=" + strconv.FormatInt(afterID, 10)
	}
	var resp messagesResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *ChatAPI) EditMessage(ctx context.Context, room string, id int64, req editRequest) (bool, error) {
	var resp appliedResponse
	path := fmt.Sprintf("/rooms/%s/messages/%d", url.PathEscape(room), id)
	if err := c.doJSON(ctx, http.MethodPatch, path, req, &resp); err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (c *ChatAPI) DeleteMessage(ctx context.Context, room string, id int64, owner string) (bool, error) {
	var resp appliedResponse
	path := fmt.Sprintf("/rooms/%s/messages/%d", url.PathEscape(room), id)
	if err := c.doJSON(ctx, http.MethodDelete, path, ownerRequest{Owner: owner}, &resp); err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (c *ChatAPI) AddReaction(ctx context.Context, room string, id int64, userID, emoji string) (bool, error) {
	return c.reaction(ctx, http.MethodPut, room, id, userID, emoji)
}

func (c *ChatAPI) RemoveReaction(ctx context.Context, room string, id int64, userID, emoji string) (bool, error) {
	return c.reaction(ctx, http.MethodDelete, room, id, userID, emoji)
}

func (c *ChatAPI) reaction(ctx context.Context, method, room string, id int64, userID, emoji string) (bool, error) {
	var resp appliedResponse
	path := fmt.Sprintf("/rooms/%s/messages/%d/reactions", url.PathEscape(room), id)
	if err := c.doJSON(ctx, method, path, reactionRequest{UserID: userID, Emoji: emoji}, &resp); err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (c *ChatAPI) MessageTTL(ctx context.Context) (time.Duration, error) {
	var resp ttlResponse
	if err := c.doJSON(ctx, http.MethodGet, "/ttl", nil, &resp); err != nil {
		return 0, err
	}
	return time.Duration(resp.TTLMillis) * time.Millisecond, nil
}

// UploadBlob streams a file as multipart form data and returns the opaque
// ref to embed in a message.
func (c *ChatAPI) UploadBlob(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/blobs", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apiErrorFromResponse(resp)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

// AdminPrune triggers an immediate prune pass with the given admin key.
func (c *ChatAPI) AdminPrune(ctx context.Context, adminKey string) (int64, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/admin/prune", nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+adminKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, apiErrorFromResponse(resp)
	}
	var out pruneResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, err
	}
	return out.PrunedMessages, out.PrunedRooms, nil
}

func (c *ChatAPI) doJSON(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "wispchat/"+Version)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFromResponse(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// apiErrorFromResponse parses the error envelope into an APIError, falling
// back to status-based classification for non-json bodies.
func apiErrorFromResponse(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	_ = json.Unmarshal(data, &envelope)
	msg := envelope.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		Kind:    kindFromWire(envelope.Kind, resp.StatusCode),
		Status:  resp.StatusCode,
		Message: msg,
	}
}
