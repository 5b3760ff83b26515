package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ytapi "github.com/hightemp/youtube-transcript-api-go/api"
	yt "github.com/kkdai/youtube/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"content-curator/internal/models"
	"content-curator/internal/policy"
	"content-curator/internal/retry"
)

// captionClient is the part of the kkdai client used for transcripts.
type captionClient interface {
	GetVideoContext(ctx context.Context, url string) (*yt.Video, error)
	GetTranscriptCtx(ctx context.Context, video *yt.Video, lang string) (yt.VideoTranscript, error)
}

// transcriptFallback fetches plain caption text for one language.
type transcriptFallback interface {
	Fetch(videoID, lang string) (string, error)
}

type YouTubeService struct {
	api        *youtube.Service
	captions   captionClient
	fallback   transcriptFallback
	maxResults int64
}

type YouTubeConfig struct {
	APIKey     string
	MaxResults int
	Timeout    time.Duration
}

// NewYouTubeService builds the Data API client and the caption clients.
// Extra options are appended after the API key, so tests can point the
// client at a fake endpoint.
func NewYouTubeService(ctx context.Context, cfg YouTubeConfig, opts ...option.ClientOption) (*YouTubeService, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	clientOpts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	api, err := youtube.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube Data API client: %w", err)
	}

	return newYouTubeService(api, &yt.Client{HTTPClient: httpClient},
		&hightempFallback{api: ytapi.NewYouTubeTranscriptApi()}, cfg.MaxResults), nil
}

func newYouTubeService(api *youtube.Service, captions captionClient, fallback transcriptFallback, maxResults int) *YouTubeService {
	if maxResults <= 0 || maxResults > 50 {
		maxResults = 20
	}
	return &YouTubeService{
		api:        api,
		captions:   captions,
		fallback:   fallback,
		maxResults: int64(maxResults),
	}
}

func (s *YouTubeService) Platform() models.Platform { return models.PlatformYouTube }

// ListVideos resolves the channel's uploads playlist and returns its newest
// videos with durations from videos.list.
func (s *YouTubeService) ListVideos(ctx context.Context, src models.Source) ([]models.VideoCandidate, error) {
	chCall := s.api.Channels.List([]string{"contentDetails"}).Context(ctx)
	if strings.HasPrefix(src.ID, "@") {
		chCall = chCall.ForHandle(src.ID)
	} else {
		chCall = chCall.Id(src.ID)
	}
	chResp, err := chCall.Do()
	if err != nil {
		return nil, classifyGoogleAPIError("youtube.channels", err)
	}
	if len(chResp.Items) == 0 || chResp.Items[0].ContentDetails == nil || chResp.Items[0].ContentDetails.RelatedPlaylists == nil {
		return nil, fmt.Errorf("youtube channel %s not found", src.ID)
	}
	uploads := chResp.Items[0].ContentDetails.RelatedPlaylists.Uploads

	plResp, err := s.api.PlaylistItems.List([]string{"contentDetails"}).
		PlaylistId(uploads).
		MaxResults(s.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyGoogleAPIError("youtube.playlistItems", err)
	}

	ids := make([]string, 0, len(plResp.Items))
	for _, item := range plResp.Items {
		if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
			ids = append(ids, item.ContentDetails.VideoId)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vResp, err := s.api.Videos.List([]string{"snippet", "contentDetails"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyGoogleAPIError("youtube.videos", err)
	}

	videos := make([]models.VideoCandidate, 0, len(vResp.Items))
	for _, v := range vResp.Items {
		c := models.VideoCandidate{
			Platform:   models.PlatformYouTube,
			VideoID:    v.Id,
			Author:     src.Name,
			SourceLink: "https://www.youtube.com/watch?v=" + v.Id,
			CoverURL:   fmt.Sprintf("https://img.youtube.com/vi/%s/maxresdefault.jpg", v.Id),
		}
		if v.Snippet != nil {
			c.Title = v.Snippet.Title
			if v.Snippet.ChannelTitle != "" {
				c.Author = v.Snippet.ChannelTitle
			}
			if t, err := time.Parse(time.RFC3339, v.Snippet.PublishedAt); err == nil {
				c.PublishedAt = t
			}
			if thumb := bestThumbnail(v.Snippet.Thumbnails); thumb != "" {
				c.CoverURL = thumb
			}
		}
		if v.ContentDetails != nil {
			c.Duration = parseOptionalDuration(v.ContentDetails.Duration, v.Id)
		}
		videos = append(videos, c)
	}
	return videos, nil
}

// FetchTranscript picks the first caption track matching langs, preferring
// manually created tracks over auto-generated ones.
func (s *YouTubeService) FetchTranscript(ctx context.Context, video *models.VideoCandidate, langs []string) (*models.TranscriptDocument, error) {
	v, err := s.captions.GetVideoContext(ctx, video.VideoID)
	if err != nil {
		return nil, classifyCaptionError("youtube.video", err)
	}

	if len(v.CaptionTracks) == 0 {
		return nil, policy.New(policy.TranscriptUnavailable, "youtube.captions", models.ErrTranscriptDisabled)
	}

	track := findFirstMatch(v.CaptionTracks, langs)
	if track == nil {
		available := make([]string, 0, len(v.CaptionTracks))
		for _, t := range v.CaptionTracks {
			available = append(available, t.LanguageCode)
		}
		return nil, policy.New(policy.TranscriptUnavailable, "youtube.captions",
			fmt.Errorf("%w (wanted %v, have %v)", models.ErrTranscriptNotFound, langs, available))
	}

	text, err := s.trackText(ctx, v, track.LanguageCode)
	if err != nil {
		return nil, err
	}

	return &models.TranscriptDocument{
		VideoID:  video.VideoID,
		Language: track.LanguageCode,
		Text:     text,
	}, nil
}

func (s *YouTubeService) trackText(ctx context.Context, v *yt.Video, lang string) (string, error) {
	segments, err := s.captions.GetTranscriptCtx(ctx, v, lang)
	if err == nil {
		if text := joinSegments(segments); text != "" {
			return text, nil
		}
		err = models.ErrTranscriptEmpty
	}

	slog.Debug("caption track fetch failed, trying fallback",
		slog.String("video_id", v.ID), slog.String("lang", lang), slog.Any("error", err))

	if s.fallback != nil {
		text, fbErr := s.fallback.Fetch(v.ID, lang)
		if fbErr == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
	}

	if errors.Is(err, models.ErrTranscriptEmpty) {
		return "", policy.New(policy.TranscriptUnavailable, "youtube.transcript", models.ErrTranscriptEmpty)
	}
	return "", classifyCaptionError("youtube.transcript", err)
}

// findFirstMatch walks langs in order over manual tracks, then over
// auto-generated ("asr") tracks, and returns the first hit or nil.
func findFirstMatch(tracks []yt.CaptionTrack, langs []string) *yt.CaptionTrack {
	for _, autoGenerated := range []bool{false, true} {
		for _, lang := range langs {
			for i := range tracks {
				t := &tracks[i]
				if (t.Kind == "asr") != autoGenerated {
					continue
				}
				if strings.EqualFold(t.LanguageCode, lang) {
					return t
				}
			}
		}
	}
	return nil
}

func joinSegments(segments yt.VideoTranscript) string {
	var b strings.Builder
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		b.WriteString(formatOffset(float64(seg.StartMs) / 1000))
		b.WriteString(" ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func bestThumbnail(t *youtube.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*youtube.Thumbnail{t.Maxres, t.Standard, t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}

// classifyGoogleAPIError maps Data API failures onto policy kinds. An invalid
// key or exhausted quota disables the platform for the run.
func classifyGoogleAPIError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return policy.New(policy.PlatformUnavailable, op, err)
		case gerr.Code == http.StatusBadRequest && hasReason(gerr, "keyInvalid"):
			return policy.New(policy.PlatformUnavailable, op, err)
		case retry.IsRetryableStatus(gerr.Code):
			return policy.New(policy.Transient, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func hasReason(gerr *googleapi.Error, reason string) bool {
	for _, item := range gerr.Errors {
		if item.Reason == reason {
			return true
		}
	}
	return false
}

func classifyCaptionError(op string, err error) error {
	var status yt.ErrUnexpectedStatusCode
	switch {
	case errors.Is(err, yt.ErrTranscriptDisabled):
		return policy.New(policy.TranscriptUnavailable, op, fmt.Errorf("%w: %v", models.ErrTranscriptDisabled, err))
	case errors.Is(err, yt.ErrVideoPrivate), errors.Is(err, yt.ErrLoginRequired), errors.Is(err, yt.ErrNotPlayableInEmbed):
		return policy.New(policy.TranscriptUnavailable, op, err)
	case errors.As(err, &status) && retry.IsRetryableStatus(int(status)):
		return policy.New(policy.Transient, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type hightempFallback struct {
	api *ytapi.YouTubeTranscriptApi
}

func (f *hightempFallback) Fetch(videoID, lang string) (string, error) {
	transcript, err := f.api.GetTranscript(videoID, []string{lang})
	if err != nil {
		return "", err
	}
	if len(transcript.Entries) == 0 {
		return "", models.ErrTranscriptEmpty
	}

	var fullText strings.Builder
	for _, entry := range transcript.Entries {
		text := strings.TrimSpace(entry.Text)
		if text == "" {
			continue
		}
		fullText.WriteString(text)
		fullText.WriteString("\n")
	}
	return strings.TrimSpace(fullText.String()), nil
}
