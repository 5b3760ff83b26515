package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-curator/internal/models"
	"content-curator/internal/policy"
	"content-curator/internal/ratelimit"
)

// fakeBitable serves the handful of Feishu endpoints the client uses.
type fakeBitable struct {
	tokenCalls  atomic.Int32
	rejectToken bool
	records     []map[string]any
	created     []map[string]any
	updated     map[string]map[string]any
	uploads     []string
	expireAfter int32 // list calls answered with 99991663 before succeeding
}

func (f *fakeBitable) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if f.rejectToken || body["app_secret"] != "secret" {
			json.NewEncoder(w).Encode(map[string]any{"code": 10014, "msg": "app secret invalid"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "tenant_access_token": "t-123", "expire": 7200})
	})
	mux.HandleFunc("/bitable/v1/apps/base/tables/tbl/records", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t-123", r.Header.Get("Authorization"))
		if f.expireAfter > 0 {
			f.expireAfter--
			json.NewEncoder(w).Encode(map[string]any{"code": 99991663, "msg": "token expired"})
			return
		}
		assert.Equal(t, "100", r.URL.Query().Get("page_size"))
		var data map[string]any
		if r.URL.Query().Get("page_token") == "" {
			data = map[string]any{"items": f.records[:1], "has_more": true, "page_token": "p2"}
		} else {
			data = map[string]any{"items": f.records[1:], "has_more": false}
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
	})
	mux.HandleFunc("/bitable/v1/apps/base/tables/tbl/records/batch_create", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Records []struct {
				Fields map[string]any `json:"fields"`
			} `json:"records"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if !assert.Len(t, body.Records, 1) {
			return
		}
		f.created = append(f.created, body.Records[0].Fields)
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{
			"records": []map[string]any{{"record_id": "recNEW", "fields": body.Records[0].Fields}},
		}})
	})
	mux.HandleFunc("/bitable/v1/apps/base/tables/tbl/records/rec1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if f.updated == nil {
			f.updated = map[string]map[string]any{}
		}
		f.updated["rec1"] = body.Fields
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{}})
	})
	mux.HandleFunc("/drive/v1/medias/upload_all", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "bitable_image", r.FormValue("parent_type"))
		assert.Equal(t, "base", r.FormValue("parent_node"))
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(file)
		assert.Equal(t, strconv.Itoa(len(data)), r.FormValue("size"))
		f.uploads = append(f.uploads, header.Filename)
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{"file_token": "boxTOKEN"}})
	})
	return mux
}

func newTestFeishu(t *testing.T, f *fakeBitable, secret string) *FeishuService {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewFeishuService(FeishuConfig{
		AppID:     "app",
		AppSecret: secret,
		BaseID:    "base",
		TableID:   "tbl",
		BaseURL:   srv.URL,
	}, ratelimit.NewWithInterval("feishu", 0))
}

func sampleRows() []map[string]any {
	return []map[string]any{
		{"record_id": "rec1", "fields": map[string]any{models.FieldSourceLink: "https://youtu.be/a", models.FieldTitle: "A"}},
		{"record_id": "rec2", "fields": map[string]any{models.FieldSourceLink: map[string]any{"link": "https://youtu.be/b", "text": "b"}}},
	}
}

func TestFeishuListAllPaginates(t *testing.T) {
	f := &fakeBitable{records: sampleRows()}
	s := newTestFeishu(t, f, "secret")

	records, err := s.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "rec1", records[0].RecordID)
	assert.Equal(t, "rec2", records[1].RecordID)
	assert.Equal(t, int32(1), f.tokenCalls.Load(), "token is cached across pages")
}

func TestFeishuFindByKey(t *testing.T) {
	f := &fakeBitable{records: sampleRows()}
	s := newTestFeishu(t, f, "secret")
	ctx := context.Background()

	rec, err := s.FindByKey(ctx, "https://youtu.be/b")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec2", rec.RecordID)

	missing, err := s.FindByKey(ctx, "https://youtu.be/zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFeishuCreateIsIndexed(t *testing.T) {
	f := &fakeBitable{records: sampleRows()}
	s := newTestFeishu(t, f, "secret")
	ctx := context.Background()

	_, err := s.FindByKey(ctx, "x")
	require.NoError(t, err)

	rec, err := s.Create(ctx, map[string]any{models.FieldSourceLink: "https://youtu.be/new", models.FieldTitle: "N"})
	require.NoError(t, err)
	assert.Equal(t, "recNEW", rec.RecordID)
	require.Len(t, f.created, 1)

	found, err := s.FindByKey(ctx, "https://youtu.be/new")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "recNEW", found.RecordID)
}

func TestFeishuUpdateMergesIndex(t *testing.T) {
	f := &fakeBitable{records: sampleRows()}
	s := newTestFeishu(t, f, "secret")
	ctx := context.Background()

	_, err := s.FindByKey(ctx, "https://youtu.be/a")
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "rec1", map[string]any{models.FieldAuthor: "Me"}))
	assert.Equal(t, "Me", f.updated["rec1"][models.FieldAuthor])

	rec, err := s.FindByKey(ctx, "https://youtu.be/a")
	require.NoError(t, err)
	assert.Equal(t, "Me", rec.Fields[models.FieldAuthor])
	assert.Equal(t, "A", rec.Fields[models.FieldTitle])
}

func TestFeishuUploadImage(t *testing.T) {
	f := &fakeBitable{}
	s := newTestFeishu(t, f, "secret")
	path := filepath.Join(t.TempDir(), "youtube_a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpegdata"), 0o644))

	token, err := s.UploadImage(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "boxTOKEN", token)
	assert.Equal(t, []string{"youtube_a.jpg"}, f.uploads)
}

func TestFeishuRejectedCredentialsAreFatal(t *testing.T) {
	f := &fakeBitable{}
	s := newTestFeishu(t, f, "wrong")

	_, err := s.ListAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, policy.FatalConfig, policy.KindOf(err))
	assert.Equal(t, policy.ActionAbortRun, policy.Classify(err))
}

func TestFeishuTokenNonJSONErrorIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, "<html><body>404 Not Found</body></html>")
	}))
	t.Cleanup(srv.Close)
	s := NewFeishuService(FeishuConfig{
		AppID:     "app",
		AppSecret: "secret",
		BaseID:    "base",
		TableID:   "tbl",
		BaseURL:   srv.URL,
	}, ratelimit.NewWithInterval("feishu", 0))

	_, err := s.ListAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.NotEqual(t, policy.FatalConfig, policy.KindOf(err))
	assert.NotEqual(t, policy.ActionAbortRun, policy.Classify(err))
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteUploadForm(t *testing.T) {
	var buf bytes.Buffer
	contentType, err := writeUploadForm(&buf, [][2]string{{"parent_type", "bitable_image"}, {"size", "3"}}, "a.jpg", []byte("abc"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, "/", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	require.NoError(t, req.ParseMultipartForm(1<<20))
	assert.Equal(t, "bitable_image", req.FormValue("parent_type"))
	assert.Equal(t, "3", req.FormValue("size"))
	file, header, err := req.FormFile("file")
	require.NoError(t, err)
	data, _ := io.ReadAll(file)
	assert.Equal(t, "a.jpg", header.Filename)
	assert.Equal(t, "abc", string(data))

	_, err = writeUploadForm(failingWriter{}, [][2]string{{"file_name", "a.jpg"}}, "a.jpg", []byte("abc"))
	assert.EqualError(t, err, "disk full")
}

func TestFeishuExpiredTokenIsRefreshedOnce(t *testing.T) {
	f := &fakeBitable{records: sampleRows(), expireAfter: 1}
	s := newTestFeishu(t, f, "secret")

	records, err := s.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}

func TestFeishuPersistentTokenRejectionIsFatal(t *testing.T) {
	f := &fakeBitable{records: sampleRows(), expireAfter: 5}
	s := newTestFeishu(t, f, "secret")

	_, err := s.ListAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, policy.FatalConfig, policy.KindOf(err))
}

func TestFieldText(t *testing.T) {
	assert.Equal(t, "", FieldText(nil))
	assert.Equal(t, "plain", FieldText("plain"))
	assert.Equal(t, "https://x", FieldText(map[string]any{"link": "https://x", "text": "x"}))
	assert.Equal(t, "ab", FieldText([]any{
		map[string]any{"type": "text", "text": "a"},
		map[string]any{"type": "text", "text": "b"},
	}))
}

func TestIsEmptyValue(t *testing.T) {
	assert.True(t, IsEmptyValue(nil))
	assert.True(t, IsEmptyValue("   "))
	assert.True(t, IsEmptyValue([]any{}))
	assert.False(t, IsEmptyValue("x"))
	assert.False(t, IsEmptyValue(float64(0)))
	assert.False(t, IsEmptyValue([]any{map[string]any{"file_token": "t"}}))
}

func TestAttachmentToken(t *testing.T) {
	assert.Equal(t, "tok", AttachmentToken([]any{map[string]any{"file_token": "tok"}}))
	assert.Equal(t, "tok2", AttachmentToken([]any{map[string]any{"token": "tok2"}}))
	assert.Equal(t, "", AttachmentToken("https://cover"))
	assert.Equal(t, "", AttachmentToken([]any{}))
}
