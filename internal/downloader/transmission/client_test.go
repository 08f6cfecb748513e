package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader/types"
)

func TestClient_Type(t *testing.T) {
	client := NewFromConfig(&types.ClientConfig{Host: "localhost", Port: 9091})
	if client.Type() != types.ClientTypeTransmission {
		t.Errorf("expected %s, got %s", types.ClientTypeTransmission, client.Type())
	}
}

func TestClient_SessionIDRetry(t *testing.T) {
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get(sessionIDHeader) != "token-1" {
			w.Header().Set(sessionIDHeader, "token-1")
			w.WriteHeader(http.StatusConflict)
			return
		}
		writeRPC(w, "success", map[string]any{})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	if err := client.Test(context.Background()); err != nil {
		t.Fatalf("Test() failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", attempts)
	}
	if client.sessionID != "token-1" {
		t.Errorf("expected cached session id 'token-1', got '%s'", client.sessionID)
	}

	// The cached token must be reused without another 409 round trip.
	attempts = 0
	if err := client.Test(context.Background()); err != nil {
		t.Fatalf("second Test() failed: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt with cached token, got %d", attempts)
	}
}

func TestClient_SessionIDRejectedTwice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(sessionIDHeader, "token-1")
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	err := client.Test(context.Background())
	if err == nil || !strings.Contains(err.Error(), "twice") {
		t.Fatalf("expected terminal double-conflict error, got %v", err)
	}
}

func TestClient_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{Username: "u", Password: "wrong"})

	err := client.Test(context.Background())
	if !errors.Is(err, types.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClient_Add_Magnet(t *testing.T) {
	var gotArgs map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotArgs = readRPCArgs(t, r)
		writeRPC(w, "success", map[string]any{
			"torrent-added": map[string]any{"hashString": "aabbcc", "id": float64(1)},
		})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	result, err := client.Add(context.Background(), &types.DownloadRequest{
		URL: "magnet:?xt=urn:btih:aabbcc",
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if !result.Success || result.Duplicate {
		t.Errorf("expected plain success, got %+v", result)
	}
	if result.ID != "aabbcc" {
		t.Errorf("expected id 'aabbcc', got '%s'", result.ID)
	}
	if gotArgs["filename"] != "magnet:?xt=urn:btih:aabbcc" {
		t.Errorf("expected magnet passed as filename, got %v", gotArgs["filename"])
	}
	if _, ok := gotArgs["metainfo"]; ok {
		t.Error("magnet must not be embedded as metainfo")
	}
}

func TestClient_Add_Duplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeRPC(w, "success", map[string]any{
			"torrent-duplicate": map[string]any{"hashString": "aabbcc"},
		})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	result, err := client.Add(context.Background(), &types.DownloadRequest{
		URL: "magnet:?xt=urn:btih:aabbcc",
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if !result.Success {
		t.Error("duplicate must be a success")
	}
	if !result.Duplicate {
		t.Error("expected Duplicate flag")
	}
	if !strings.Contains(result.Message, "already exists") {
		t.Errorf("expected 'already exists' in message, got '%s'", result.Message)
	}
}

func TestClient_Add_FetchedAndEmbedded(t *testing.T) {
	indexer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("d8:announce0:e"))
	}))
	defer indexer.Close()

	var gotArgs map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotArgs = readRPCArgs(t, r)
		writeRPC(w, "success", map[string]any{
			"torrent-added": map[string]any{"hashString": "ddeeff"},
		})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	_, err := client.Add(context.Background(), &types.DownloadRequest{URL: indexer.URL + "/file.torrent"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if _, ok := gotArgs["metainfo"]; !ok {
		t.Error("expected fetched torrent embedded as metainfo")
	}
	if _, ok := gotArgs["filename"]; ok {
		t.Error("filename must not be sent when metainfo is embedded")
	}
}

func TestClient_Add_FetchFailureFallsBackToURL(t *testing.T) {
	indexer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer indexer.Close()

	var gotArgs map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotArgs = readRPCArgs(t, r)
		writeRPC(w, "success", map[string]any{
			"torrent-added": map[string]any{"hashString": "ddeeff"},
		})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	torrentURL := indexer.URL + "/file.torrent"
	result, err := client.Add(context.Background(), &types.DownloadRequest{URL: torrentURL})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if !result.Success {
		t.Error("expected success")
	}
	if gotArgs["filename"] != torrentURL {
		t.Errorf("expected URL passed by reference after fetch failure, got %v", gotArgs["filename"])
	}
}

func TestClient_Add_CategoryEmulation(t *testing.T) {
	var gotArgs map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotArgs = readRPCArgs(t, r)
		writeRPC(w, "success", map[string]any{
			"torrent-added": map[string]any{"hashString": "aabbcc"},
		})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{DownloadDir: "/downloads"})

	_, err := client.Add(context.Background(), &types.DownloadRequest{
		URL:      "magnet:?xt=urn:btih:aabbcc",
		Category: "movies",
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if gotArgs["download-dir"] != "/downloads/movies" {
		t.Errorf("expected category subdirectory, got %v", gotArgs["download-dir"])
	}
	labels, ok := gotArgs["labels"].([]any)
	if !ok || len(labels) != 1 || labels[0] != "movies" {
		t.Errorf("expected labels [movies], got %v", gotArgs["labels"])
	}
}

func TestClient_Add_NoIDReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeRPC(w, "success", map[string]any{})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	result, err := client.Add(context.Background(), &types.DownloadRequest{
		URL: "magnet:?xt=urn:btih:aabbcc",
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if !result.Success || result.ID != "" {
		t.Errorf("expected unverified success with empty id, got %+v", result)
	}
	if !strings.Contains(result.Message, "unverified") {
		t.Errorf("expected unverified message, got '%s'", result.Message)
	}
}

func TestClient_List_StatusMapping(t *testing.T) {
	torrents := []any{
		torrentJSON("h1", "stopped", 0, 0.5, ""),
		torrentJSON("h2", "downloading", 4, 0.5, ""),
		torrentJSON("h3", "done-but-downloading", 4, 1.0, ""),
		torrentJSON("h4", "seeding", 6, 1.0, ""),
		torrentJSON("h5", "queued", 3, 0.1, ""),
		torrentJSON("h6", "broken", 4, 0.5, "tracker gone"),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeRPC(w, "success", map[string]any{"torrents": torrents})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	items, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("expected 6 items, got %d", len(items))
	}

	expect := map[string]types.Status{
		"h1": types.StatusPaused,
		"h2": types.StatusDownloading,
		"h3": types.StatusSeeding,
		"h4": types.StatusSeeding,
		"h5": types.StatusDownloading,
		"h6": types.StatusError,
	}
	for _, item := range items {
		if item.Status != expect[item.ID] {
			t.Errorf("%s: expected %s, got %s", item.ID, expect[item.ID], item.Status)
		}
	}

	for _, item := range items {
		if item.ID == "h6" && item.Error != "tracker gone" {
			t.Errorf("expected error string preserved, got '%s'", item.Error)
		}
	}
}

func TestClient_Status_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeRPC(w, "success", map[string]any{"torrents": []any{}})
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	_, err := client.Status(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_FreeSpace(t *testing.T) {
	var methods []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method    string         `json:"method"`
			Arguments map[string]any `json:"arguments"`
		}
		json.Unmarshal(body, &req)
		methods = append(methods, req.Method)

		switch req.Method {
		case "session-get":
			writeRPC(w, "success", map[string]any{"download-dir": "/data"})
		case "free-space":
			if req.Arguments["path"] != "/data" {
				t.Errorf("expected path '/data', got %v", req.Arguments["path"])
			}
			writeRPC(w, "success", map[string]any{"size-bytes": float64(1234567)})
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	space, err := client.FreeSpace(context.Background())
	if err != nil {
		t.Fatalf("FreeSpace() failed: %v", err)
	}
	if space != 1234567 {
		t.Errorf("expected 1234567, got %d", space)
	}
	if len(methods) != 2 {
		t.Errorf("expected session-get then free-space, got %v", methods)
	}
}

func TestClient_RPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeRPC(w, "invalid argument", nil)
	}))
	defer server.Close()

	client := setupTestClient(t, server, &types.ClientConfig{})

	err := client.Pause(context.Background(), "h1")
	if err == nil || !strings.Contains(err.Error(), "invalid argument") {
		t.Fatalf("expected RPC error, got %v", err)
	}
}

func torrentJSON(hash, name string, status int, percentDone float64, errStr string) map[string]any {
	return map[string]any{
		"hashString":  hash,
		"name":        name,
		"status":      float64(status),
		"percentDone": percentDone,
		"sizeWhenDone": float64(1000),
		"errorString": errStr,
	}
}

func readRPCArgs(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("failed to read request: %v", err)
	}
	var req struct {
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("failed to parse request: %v", err)
	}
	return req.Arguments
}

func writeRPC(w http.ResponseWriter, result string, args map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"result":    result,
		"arguments": args,
	})
}

func setupTestClient(t *testing.T, server *httptest.Server, baseCfg *types.ClientConfig) *Client {
	t.Helper()

	addr := server.Listener.Addr().(*net.TCPAddr)

	cfg := &types.ClientConfig{
		Host:        addr.IP.String(),
		Port:        addr.Port,
		Username:    baseCfg.Username,
		Password:    baseCfg.Password,
		Category:    baseCfg.Category,
		DownloadDir: baseCfg.DownloadDir,
		AddStopped:  baseCfg.AddStopped,
	}

	return NewFromConfig(cfg)
}
