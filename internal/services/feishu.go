package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"content-curator/internal/models"
	"content-curator/internal/policy"
	"content-curator/internal/ratelimit"
)

const feishuPageSize = 100

// Feishu error codes for a missing, expired or invalid tenant token.
var feishuTokenCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991664: true,
	99991668: true,
}

type FeishuConfig struct {
	AppID     string
	AppSecret string
	BaseID    string
	TableID   string
	BaseURL   string
	Timeout   time.Duration
}

// FeishuService talks to one Bitable table. It keeps an in-memory index of
// the table's rows keyed by source link, loaded on first lookup and kept
// current by Create and Update.
type FeishuService struct {
	httpClient *http.Client
	cfg        FeishuConfig
	limiter    *ratelimit.Limiter
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	index       map[string]*models.ExternalRecord
}

func NewFeishuService(cfg FeishuConfig, limiter *ratelimit.Limiter) *FeishuService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.New("feishu", 300)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &FeishuService{
		httpClient: &http.Client{Timeout: timeout},
		cfg:        cfg,
		limiter:    limiter,
		now:        time.Now,
	}
}

type feishuEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// tenantToken returns a cached token, refreshing it a minute before expiry.
// A rejected app id or secret is fatal for the run.
func (s *FeishuService) tenantToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Before(s.tokenExpiry) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{
		"app_id":     s.cfg.AppID,
		"app_secret": s.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", policy.New(policy.Transient, "feishu.token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", policy.New(policy.Transient, "feishu.token", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body tenantTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("feishu.token: unexpected status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("feishu.token: failed to decode response: %w", err)
	}
	if body.Code != 0 {
		return "", policy.New(policy.FatalConfig, "feishu.token", fmt.Errorf("token rejected (code %d): %s", body.Code, body.Msg))
	}
	if body.TenantAccessToken == "" {
		return "", fmt.Errorf("feishu.token: status %d: response contained no token", resp.StatusCode)
	}

	expire := time.Duration(body.Expire) * time.Second
	if expire <= 0 {
		expire = 2 * time.Hour
	}

	s.mu.Lock()
	s.token = body.TenantAccessToken
	s.tokenExpiry = s.now().Add(expire - time.Minute)
	s.mu.Unlock()

	slog.Debug("feishu tenant token refreshed")
	return body.TenantAccessToken, nil
}

func (s *FeishuService) invalidateToken() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// call sends one authenticated request and decodes the envelope's data into
// out. The request is rebuilt by newReq so it can be replayed once after a
// token refresh.
func (s *FeishuService) call(ctx context.Context, op string, newReq func(token string) (*http.Request, error), out any) error {
	for attempt := 0; ; attempt++ {
		token, err := s.tenantToken(ctx)
		if err != nil {
			return err
		}
		req, err := newReq(token)
		if err != nil {
			return err
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			var urlErr *url.Error
			if errors.As(err, &urlErr) && urlErr.Timeout() {
				return policy.New(policy.Transient, op, err)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return policy.New(policy.Transient, op, fmt.Errorf("failed to read body: %w", readErr))
		}

		var env feishuEnvelope
		decodeErr := json.Unmarshal(data, &env)

		if resp.StatusCode == http.StatusUnauthorized || (decodeErr == nil && feishuTokenCodes[env.Code]) {
			s.invalidateToken()
			if attempt == 0 {
				continue
			}
			return policy.New(policy.FatalConfig, op, fmt.Errorf("tenant token rejected (code %d): %s", env.Code, env.Msg))
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return policy.New(policy.Transient, op, fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
		if decodeErr != nil {
			return fmt.Errorf("%s: status %d: failed to decode response: %w", op, resp.StatusCode, decodeErr)
		}
		if env.Code != 0 {
			return fmt.Errorf("%s: API error code %d: %s", op, env.Code, env.Msg)
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("%s: failed to decode data: %w", op, err)
			}
		}
		return nil
	}
}

func (s *FeishuService) jsonRequest(ctx context.Context, method, path string, body any) func(string) (*http.Request, error) {
	return func(token string) (*http.Request, error) {
		var r io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		return req, nil
	}
}

func (s *FeishuService) recordsPath() string {
	return fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records", url.PathEscape(s.cfg.BaseID), url.PathEscape(s.cfg.TableID))
}

type listRecordsData struct {
	Items     []models.ExternalRecord `json:"items"`
	HasMore   bool                    `json:"has_more"`
	PageToken string                  `json:"page_token"`
}

// ListAll pages through every row of the table.
func (s *FeishuService) ListAll(ctx context.Context) ([]models.ExternalRecord, error) {
	var all []models.ExternalRecord
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("page_size", fmt.Sprint(feishuPageSize))
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}

		var data listRecordsData
		if err := s.call(ctx, "feishu.list", s.jsonRequest(ctx, http.MethodGet, s.recordsPath()+"?"+q.Encode(), nil), &data); err != nil {
			return nil, err
		}
		all = append(all, data.Items...)
		if !data.HasMore || data.PageToken == "" {
			break
		}
		pageToken = data.PageToken
	}
	slog.Info("feishu records loaded", slog.Int("count", len(all)))
	return all, nil
}

func (s *FeishuService) loadIndex(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.index != nil
	s.mu.Unlock()
	if loaded {
		return nil
	}

	records, err := s.ListAll(ctx)
	if err != nil {
		return err
	}
	index := make(map[string]*models.ExternalRecord, len(records))
	for i := range records {
		key := FieldText(records[i].Fields[models.FieldSourceLink])
		if key == "" {
			continue
		}
		if _, dup := index[key]; !dup {
			index[key] = &records[i]
		}
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// FindByKey returns the row whose source link equals key, or nil.
func (s *FeishuService) FindByKey(ctx context.Context, key string) (*models.ExternalRecord, error) {
	if err := s.loadIndex(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

type batchCreateData struct {
	Records []models.ExternalRecord `json:"records"`
}

func (s *FeishuService) Create(ctx context.Context, fields map[string]any) (*models.ExternalRecord, error) {
	body := map[string]any{
		"records": []map[string]any{{"fields": fields}},
	}
	var data batchCreateData
	if err := s.call(ctx, "feishu.create", s.jsonRequest(ctx, http.MethodPost, s.recordsPath()+"/batch_create", body), &data); err != nil {
		return nil, err
	}
	if len(data.Records) == 0 {
		return nil, fmt.Errorf("feishu.create: response contained no records")
	}
	rec := data.Records[0]
	if rec.Fields == nil {
		rec.Fields = fields
	}

	s.remember(&rec)
	return &rec, nil
}

func (s *FeishuService) Update(ctx context.Context, recordID string, fields map[string]any) error {
	body := map[string]any{"fields": fields}
	path := s.recordsPath() + "/" + url.PathEscape(recordID)
	if err := s.call(ctx, "feishu.update", s.jsonRequest(ctx, http.MethodPut, path, body), nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.index {
		if rec.RecordID != recordID {
			continue
		}
		merged := make(map[string]any, len(rec.Fields)+len(fields))
		for k, v := range rec.Fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		rec.Fields = merged
	}
	return nil
}

func (s *FeishuService) remember(rec *models.ExternalRecord) {
	key := FieldText(rec.Fields[models.FieldSourceLink])
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return
	}
	cp := *rec
	s.index[key] = &cp
}

type uploadMediaData struct {
	FileToken string `json:"file_token"`
}

// UploadImage uploads a local image as a Bitable attachment and returns its
// file token.
func (s *FeishuService) UploadImage(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	name := filepath.Base(path)

	newReq := func(token string) (*http.Request, error) {
		var buf bytes.Buffer
		contentType, err := writeUploadForm(&buf, [][2]string{
			{"file_name", name},
			{"parent_type", "bitable_image"},
			{"parent_node", s.cfg.BaseID},
			{"size", strconv.Itoa(len(content))},
		}, name, content)
		if err != nil {
			return nil, fmt.Errorf("failed to build upload form: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/drive/v1/medias/upload_all", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}

	var data uploadMediaData
	if err := s.call(ctx, "feishu.upload", newReq, &data); err != nil {
		return "", err
	}
	if data.FileToken == "" {
		return "", fmt.Errorf("feishu.upload: response contained no file token")
	}
	return data.FileToken, nil
}

// FieldText flattens a Bitable cell into plain text. Text cells arrive as
// strings or as lists of {text} segments; URL cells as {link, text}.
func FieldText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any:
		if link, ok := val["link"].(string); ok && link != "" {
			return link
		}
		if text, ok := val["text"].(string); ok {
			return text
		}
		return ""
	case []any:
		var b strings.Builder
		for _, item := range val {
			b.WriteString(FieldText(item))
		}
		return b.String()
	default:
		return fmt.Sprint(val)
	}
}

// IsEmptyValue reports whether a cell counts as unset: nil, a blank string or
// an empty list.
func IsEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []map[string]any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	default:
		return false
	}
}

// AttachmentToken returns the file token of the first attachment in a cell.
func AttachmentToken(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	switch first := list[0].(type) {
	case string:
		return first
	case map[string]any:
		if token, ok := first["file_token"].(string); ok && token != "" {
			return token
		}
		if token, ok := first["token"].(string); ok {
			return token
		}
	}
	return ""
}

// writeUploadForm writes the form fields in order followed by the file part
// and returns the multipart content type.
func writeUploadForm(dst io.Writer, fields [][2]string, fileName string, content []byte) (string, error) {
	w := multipart.NewWriter(dst)
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(content); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return w.FormDataContentType(), nil
}
