package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"content-curator/internal/models"
	"content-curator/internal/policy"
	"content-curator/internal/ratelimit"
)

const (
	bilibiliPageSize  = 30
	bilibiliMaxVideos = 50
)

// BilibiliService lists uploads from the public space API and fetches
// subtitles through BibiGPT. Each of the two services has its own limiter.
type BilibiliService struct {
	httpClient   *http.Client
	apiKey       string
	bibiBaseURL  string
	biliBaseURL  string
	bibiLimiter  *ratelimit.Limiter
	spaceLimiter *ratelimit.Limiter
}

type BilibiliConfig struct {
	APIKey      string
	BibiBaseURL string
	BiliBaseURL string
	Timeout     time.Duration
}

func NewBilibiliService(cfg BilibiliConfig, bibiLimiter, spaceLimiter *ratelimit.Limiter) *BilibiliService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if bibiLimiter == nil {
		bibiLimiter = ratelimit.New("bibigpt", 60)
	}
	if spaceLimiter == nil {
		spaceLimiter = ratelimit.New("bilibili", 30)
	}
	return &BilibiliService{
		httpClient:   &http.Client{Timeout: timeout},
		apiKey:       cfg.APIKey,
		bibiBaseURL:  strings.TrimRight(cfg.BibiBaseURL, "/"),
		biliBaseURL:  strings.TrimRight(cfg.BiliBaseURL, "/"),
		bibiLimiter:  bibiLimiter,
		spaceLimiter: spaceLimiter,
	}
}

func (s *BilibiliService) Platform() models.Platform { return models.PlatformBilibili }

type arcSearchResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		List struct {
			VList []struct {
				BVID    string `json:"bvid"`
				AID     int64  `json:"aid"`
				Title   string `json:"title"`
				Author  string `json:"author"`
				Created int64  `json:"created"`
				Length  string `json:"length"`
				Pic     string `json:"pic"`
			} `json:"vlist"`
		} `json:"list"`
	} `json:"data"`
}

// ListVideos returns the newest uploads of the uploader, newest first.
func (s *BilibiliService) ListVideos(ctx context.Context, src models.Source) ([]models.VideoCandidate, error) {
	var videos []models.VideoCandidate

	for page := 1; len(videos) < bilibiliMaxVideos; page++ {
		q := url.Values{}
		q.Set("mid", src.ID)
		q.Set("ps", fmt.Sprint(bilibiliPageSize))
		q.Set("tid", "0")
		q.Set("pn", fmt.Sprint(page))
		q.Set("order", "pubdate")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.biliBaseURL+"/x/space/arc/search?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
		req.Header.Set("Referer", "https://space.bilibili.com/"+src.ID)

		var body arcSearchResponse
		if err := s.doJSON(req, s.spaceLimiter, "bilibili.list", &body); err != nil {
			return nil, err
		}
		if err := checkAPICode("bilibili.list", &body.Code, body.Message); err != nil {
			return nil, err
		}

		vlist := body.Data.List.VList
		if len(vlist) == 0 {
			break
		}
		for _, v := range vlist {
			cover := v.Pic
			if strings.HasPrefix(cover, "//") {
				cover = "https:" + cover
			}
			author := v.Author
			if author == "" {
				author = src.Name
			}
			videos = append(videos, models.VideoCandidate{
				Platform:    models.PlatformBilibili,
				VideoID:     v.BVID,
				Title:       v.Title,
				Author:      author,
				PublishedAt: time.Unix(v.Created, 0),
				Duration:    parseOptionalDuration(v.Length, v.BVID),
				CoverURL:    cover,
				SourceLink:  "https://www.bilibili.com/video/" + v.BVID,
			})
			if len(videos) == bilibiliMaxVideos {
				break
			}
		}
		if len(vlist) < bilibiliPageSize {
			break
		}
	}

	return videos, nil
}

type subtitleResponse struct {
	Code    *int   `json:"code"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Detail  struct {
		Title          string `json:"title"`
		Author         string `json:"author"`
		Cover          string `json:"cover"`
		URL            string `json:"url"`
		SubtitlesArray []struct {
			StartTime float64 `json:"startTime"`
			End       float64 `json:"end"`
			Text      string  `json:"text"`
		} `json:"subtitlesArray"`
	} `json:"detail"`
}

// FetchTranscript asks BibiGPT for the subtitles of one video. The language
// list is ignored; BibiGPT picks the best track itself.
func (s *BilibiliService) FetchTranscript(ctx context.Context, video *models.VideoCandidate, _ []string) (*models.TranscriptDocument, error) {
	q := url.Values{}
	q.Set("url", video.SourceLink)
	q.Set("enabledSpeaker", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.bibiBaseURL+"/getSubtitle?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	var body subtitleResponse
	if err := s.doJSON(req, s.bibiLimiter, "bibigpt.subtitle", &body); err != nil {
		return nil, err
	}
	if err := checkAPICode("bibigpt.subtitle", body.Code, body.Message); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, policy.New(policy.Transient, "bibigpt.subtitle", fmt.Errorf("call unsuccessful: %s", body.Message))
	}
	if len(body.Detail.SubtitlesArray) == 0 {
		return nil, policy.New(policy.TranscriptUnavailable, "bibigpt.subtitle", models.ErrTranscriptEmpty)
	}

	var text strings.Builder
	for _, line := range body.Detail.SubtitlesArray {
		t := strings.TrimSpace(line.Text)
		if t == "" {
			continue
		}
		text.WriteString(formatOffset(line.StartTime))
		text.WriteString(" ")
		text.WriteString(t)
		text.WriteString("\n")
	}
	cleaned := strings.TrimSpace(text.String())
	if cleaned == "" {
		return nil, policy.New(policy.TranscriptUnavailable, "bibigpt.subtitle", models.ErrTranscriptEmpty)
	}

	return &models.TranscriptDocument{
		VideoID:  video.VideoID,
		Language: "zh-CN",
		Text:     cleaned,
	}, nil
}

// doJSON waits on the limiter, sends req and decodes a 200 JSON body into out.
// 401 disables the platform; 429 and 5xx are transient; any other status is
// treated as a retryable API error.
func (s *BilibiliService) doJSON(req *http.Request, limiter *ratelimit.Limiter, op string, out any) error {
	if err := limiter.Wait(req.Context()); err != nil {
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
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return policy.New(policy.PlatformUnavailable, op, fmt.Errorf("API key rejected (401)"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return policy.New(policy.Transient, op, fmt.Errorf("rate limited (429)"))
	case resp.StatusCode != http.StatusOK:
		return policy.New(policy.Transient, op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return policy.New(policy.Transient, op, fmt.Errorf("failed to read body: %w", err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// checkAPICode validates the status code some responses carry in their body.
// Only 0 is success.
func checkAPICode(op string, code *int, message string) error {
	if code == nil || *code == 0 {
		return nil
	}
	switch *code {
	case http.StatusUnauthorized:
		return policy.New(policy.PlatformUnavailable, op, fmt.Errorf("API key rejected (code 401): %s", message))
	case http.StatusTooManyRequests:
		return policy.New(policy.Transient, op, fmt.Errorf("rate limited (code 429): %s", message))
	default:
		return policy.New(policy.Transient, op, fmt.Errorf("API error code %d: %s", *code, message))
	}
}

// parseOptionalDuration returns nil and logs a warning when s cannot be parsed.
func parseOptionalDuration(s, videoID string) *int {
	d, err := ParseDuration(s)
	if err != nil {
		slog.Warn("duration unparsable, continuing without it",
			slog.String("video_id", videoID), slog.String("raw", s), slog.Any("error", err))
		return nil
	}
	return &d
}
