package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wispchat/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.NewStore(storage.Options{
		Path:       "sqlite://file:" + t.Name() + "?mode=memory&cache=shared",
		MessageTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	blobs, err := NewDiskBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskBlobStore: %v", err)
	}
	hash, err := HashAdminKey("sekrit")
	if err != nil {
		t.Fatalf("HashAdminKey: %v", err)
	}
	server := NewServer(store, ServerOptions{
		Blobs:     blobs,
		Authz:     NewKeyAuthorizer(hash),
		Logger:    NewLogger("error"),
		RateRPS:   1000,
		RateBurst: 1000,
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return server, ts
}

func doJSONReq(t *testing.T, method, url string, payload interface{}, out interface{}) int {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestRoomEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	if status := doJSONReq(t, http.MethodPost, ts.URL+"/rooms", createRoomRequest{Room: "lobby"}, nil); status != http.StatusCreated {
		t.Fatalf("create room: expected 201, got %d", status)
	}
	if status := doJSONReq(t, http.MethodPost, ts.URL+"/rooms", createRoomRequest{Room: "lobby"}, nil); status != http.StatusConflict {
		t.Fatalf("duplicate room: expected 409, got %d", status)
	}
	if status := doJSONReq(t, http.MethodPost, ts.URL+"/rooms", createRoomRequest{Room: "  "}, nil); status != http.StatusBadRequest {
		t.Fatalf("blank room: expected 400, got %d", status)
	}

	if status := doJSONReq(t, http.MethodGet, ts.URL+"/rooms/lobby", nil, nil); status != http.StatusOK {
		t.Fatalf("room exists: expected 200, got %d", status)
	}
	var envelope map[string]string
	if status := doJSONReq(t, http.MethodGet, ts.URL+"/rooms/nowhere", nil, &envelope); status != http.StatusNotFound {
		t.Fatalf("unknown room: expected 404, got %d", status)
	}
	if envelope["kind"] != kindRoomNotFound {
		t.Fatalf("expected kind %q, got %q", kindRoomNotFound, envelope["kind"])
	}
}

func TestMessageFlow(t *testing.T) {
	_, ts := newTestServer(t)
	doJSONReq(t, http.MethodPost, ts.URL+"/rooms", createRoomRequest{Room: "lobby"}, nil)

	send := sendRequest{Content: "hello", Nickname: "al", Owner: "u1", Nonce: "n1"}
	var sent sendResponse
	if status := doJSONReq(t, http.MethodPost, ts.URL+"/rooms/lobby/messages", send, &sent); status != http.StatusCreated {
		t.Fatalf("send: expected 201, got %d", status)
	}
	if sent.ID <= 0 || sent.Ts <= 0 || sent.Deduped {
		t.Fatalf("unexpected send response: %+v", sent)
	}

	var replay sendResponse
	doJSONReq(t, http.MethodPost, ts.URL+"/rooms/lobby/messages", send, &replay)
	if replay.ID != sent.ID || replay.Ts != sent.Ts || !replay.Deduped {
		t.Fatalf("replay should return the original id and ts as deduped, got %+v", replay)
	}

	// same nonce from a different owner is a conflict
	tampered := send
	tampered.Owner = "u2"
	if status := doJSONReq(t, http.MethodPost, ts.URL+"/rooms/lobby/messages", tampered, nil); status != http.StatusConflict {
		t.Fatalf("nonce conflict: expected 409, got %d", status)
	}

	if status := doJSONReq(t, http.MethodPost, ts.URL+"/rooms/nowhere/messages", send, nil); status != http.StatusNotFound {
		t.Fatalf("send to unknown room: expected 404, got %d", status)
	}

	var second sendResponse
	doJSONReq(t, http.MethodPost, ts.URL+"/rooms/lobby/messages",
		sendRequest{Content: "again", Nickname: "al", Owner: "u1", Nonce: "n2"}, &second)

	var list messagesResponse
	if status := doJSONReq(t, http.MethodGet, ts.URL+"/rooms/lobby/messages", nil, &list); status != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", status)
	}
	if len(list.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(list.Messages))
	}
	if list.Messages[0].ID != sent.ID || list.Messages[1].ID != second.ID {
		t.Fatalf("messages out of order: %+v", list.Messages)
	}

	var tail messagesResponse
	doJSONReq(t, http.MethodGet, fmt.Sprintf("%s/rooms/lobby/messages?after=%d", ts.URL, sent.ID), nil, &tail)
	if len(tail.Messages) != 1 || tail.Messages[0].ID != second.ID {
		t.Fatalf("incremental fetch wrong: %+v", tail.Messages)
	}
}

func TestOwnershipOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	doJSONReq(t, http.MethodPost, ts.URL+"/rooms", createRoomRequest{Room: "lobby"}, nil)

	var sent sendResponse
	doJSONReq(t, http.MethodPost, ts.URL+"/rooms/lobby/messages",
		sendRequest{Content: "mine", Nickname: "al", Owner: "u1"}, &sent)
	msgURL := fmt.Sprintf("%s/rooms/lobby/messages/%d", ts.URL, sent.ID)

	var edited appliedResponse
	if status := doJSONReq(t, http.MethodPatch, msgURL, editRequest{Owner: "u2", Content: "hijack"}, &edited); status != http.StatusOK {
		t.Fatalf("edit: expected 200, got %d", status)
	}
	if edited.Applied {
		t.Fatal("edit by non-owner must not apply")
	}

	doJSONReq(t, http.MethodPatch, msgURL, editRequest{Owner: "u1", Content: "fixed"}, &edited)
	if !edited.Applied {
		t.Fatal("edit by owner should apply")
	}

	var deleted appliedResponse
	doJSONReq(t, http.MethodDelete, msgURL, ownerRequest{Owner: "u2"}, &deleted)
	if deleted.Applied {
		t.Fatal("delete by non-owner must not apply")
	}
	doJSONReq(t, http.MethodDelete, msgURL, ownerRequest{Owner: "u1"}, &deleted)
	if !deleted.Applied {
		t.Fatal("delete by owner should apply")
	}
	// deleting again is a no-op, not an error
	doJSONReq(t, http.MethodDelete, msgURL, ownerRequest{Owner: "u1"}, &deleted)
	if deleted.Applied {
		t.Fatal("second delete must report applied=false")
	}
}

func TestReactionsOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	doJSONReq(t, http.MethodPost, ts.URL+"/rooms", createRoomRequest{Room: "lobby"}, nil)

	var sent sendResponse
	doJSONReq(t, http.MethodPost, ts.URL+"/rooms/lobby/messages",
		sendRequest{Content: "react to me", Nickname: "al", Owner: "u1"}, &sent)
	reactURL := fmt.Sprintf("%s/rooms/lobby/messages/%d/reactions", ts.URL, sent.ID)

	var applied appliedResponse
	doJSONReq(t, http.MethodPut, reactURL, reactionRequest{UserID: "u2", Emoji: "❤️"}, &applied)
	if !applied.Applied {
		t.Fatal("first reaction should apply")
	}
	// adding the same pair twice is idempotent
	doJSONReq(t, http.MethodPut, reactURL, reactionRequest{UserID: "u2", Emoji: "❤️"}, &applied)
	if !applied.Applied {
		t.Fatal("repeated reaction should still report applied")
	}

	var list messagesResponse
	doJSONReq(t, http.MethodGet, ts.URL+"/rooms/lobby/messages", nil, &list)
	if len(list.Messages) != 1 || len(list.Messages[0].Reactions) != 1 {
		t.Fatalf("expected one stored reaction, got %+v", list.Messages)
	}

	doJSONReq(t, http.MethodDelete, reactURL, reactionRequest{UserID: "u2", Emoji: "❤️"}, &applied)
	if !applied.Applied {
		t.Fatal("remove reaction should apply")
	}

	// unknown message id is applied=false, not an error
	ghostURL := fmt.Sprintf("%s/rooms/lobby/messages/%d/reactions", ts.URL, sent.ID+100)
	doJSONReq(t, http.MethodPut, ghostURL, reactionRequest{UserID: "u2", Emoji: "❤️"}, &applied)
	if applied.Applied {
		t.Fatal("reaction on missing message must not apply")
	}
}

func TestAdminPruneAuth(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/admin/prune", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("prune without key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("prune without key: expected 401, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/admin/prune", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("prune with bad key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("prune with bad key: expected 403, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/admin/prune", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("prune with key: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prune with key: expected 200, got %d", resp.StatusCode)
	}
	var stats pruneResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode prune response: %v", err)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	content := []byte("not really a png")
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "cat.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	writer.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/blobs", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d", resp.StatusCode)
	}
	var uploaded uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if uploaded.Ref == "" {
		t.Fatal("expected a blob ref")
	}

	got, err := http.Get(ts.URL + "/blobs/" + uploaded.Ref)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer got.Body.Close()
	data, _ := io.ReadAll(got.Body)
	if !bytes.Equal(data, content) {
		t.Fatalf("downloaded bytes differ: %q", data)
	}

	missing, err := http.Get(ts.URL + "/blobs/" + "nope.png")
	if err != nil {
		t.Fatalf("download missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing blob: expected 404, got %d", missing.StatusCode)
	}
}

func TestHealthAndTTL(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}

	var ttl ttlResponse
	if status := doJSONReq(t, http.MethodGet, ts.URL+"/ttl", nil, &ttl); status != http.StatusOK {
		t.Fatalf("ttl: expected 200, got %d", status)
	}
	if ttl.TTLMillis != time.Hour.Milliseconds() {
		t.Fatalf("expected ttl %d, got %d", time.Hour.Milliseconds(), ttl.TTLMillis)
	}
}
