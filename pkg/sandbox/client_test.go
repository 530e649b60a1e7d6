package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/create-ai-sandbox-v2", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		io.WriteString(w, `{"sandboxId":"sbx-1","url":"https://sbx-1.e2b.app","provider":"e2b","message":"ready"}`)
	}))
	t.Cleanup(srv.Close)

	res, err := NewClient(srv.URL, "secret").Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", res.SandboxID)
	assert.Equal(t, "https://sbx-1.e2b.app", res.URL)
	assert.Equal(t, "e2b", res.Provider)
}

func TestClientStatusShapes(t *testing.T) {
	t.Run("flat", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "sbx-1", r.URL.Query().Get("sandboxId"))
			io.WriteString(w, `{"sandboxId":"sbx-1","url":"https://sbx-1.e2b.app","status":"running"}`)
		}))
		t.Cleanup(srv.Close)

		res, err := NewClient(srv.URL, "").Status(context.Background(), "sbx-1")
		require.NoError(t, err)
		assert.Equal(t, "sbx-1", res.SandboxID)
		assert.Nil(t, res.Data)
	})

	t.Run("nested", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"success":true,"data":{"sandboxId":"sbx-1","url":"https://sbx-1.e2b.app","status":"running"}}`)
		}))
		t.Cleanup(srv.Close)

		res, err := NewClient(srv.URL, "").Status(context.Background(), "sbx-1")
		require.NoError(t, err)
		require.NotNil(t, res.Data)
		assert.Equal(t, "sbx-1", res.Data.SandboxID)
		require.NotNil(t, res.Success)
		assert.True(t, *res.Success)
	})
}

func TestClientWriteFilesPayload(t *testing.T) {
	var got writeFilesPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sandbox/write-files", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(body, &got))
		io.WriteString(w, `{"success":true}`)
	}))
	t.Cleanup(srv.Close)

	err := NewClient(srv.URL, "").WriteFiles(context.Background(), "sbx-1", []SyncFile{
		{Path: "src/App.tsx", Content: "export default App", Kind: KindSource},
	})
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", got.SandboxID)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "src/App.tsx", got.Files[0].Path)
}

func TestClientExecuteOutputFallback(t *testing.T) {
	t.Run("stdout present", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"exitCode":0,"stdout":"ok","stderr":""}`)
		}))
		t.Cleanup(srv.Close)

		res, err := NewClient(srv.URL, "").Execute(context.Background(), "sbx-1", "npm install", 60)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Stdout)
	})

	t.Run("output only", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"exitCode":0,"output":"installed 12 packages"}`)
		}))
		t.Cleanup(srv.Close)

		res, err := NewClient(srv.URL, "").Execute(context.Background(), "sbx-1", "npm install", 60)
		require.NoError(t, err)
		assert.Equal(t, "installed 12 packages", res.Stdout)
	})

	t.Run("message only", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"exitCode":1,"message":"command not found"}`)
		}))
		t.Cleanup(srv.Close)

		res, err := NewClient(srv.URL, "").Execute(context.Background(), "sbx-1", "bogus", 60)
		require.NoError(t, err)
		assert.Equal(t, 1, res.ExitCode)
		assert.Equal(t, "command not found", res.Stdout)
	})
}

func TestClientErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox quota exceeded", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	_, err := NewClient(srv.URL, "").Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
	assert.Contains(t, err.Error(), "sandbox quota exceeded")
}

func TestClientDestroy(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/kill-sandbox", r.URL.Path)
		var body map[string]string
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, sonic.Unmarshal(raw, &body))
		gotID = body["sandboxId"]
		io.WriteString(w, `{"success":true}`)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, NewClient(srv.URL, "").Destroy(context.Background(), "sbx-1"))
	assert.Equal(t, "sbx-1", gotID)
}
