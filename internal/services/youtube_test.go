package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	yt "github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"content-curator/internal/models"
	"content-curator/internal/policy"
)

type fakeCaptions struct {
	video         *yt.Video
	videoErr      error
	segments      yt.VideoTranscript
	transcriptErr error
	requestedLang string
}

func (f *fakeCaptions) GetVideoContext(_ context.Context, _ string) (*yt.Video, error) {
	return f.video, f.videoErr
}

func (f *fakeCaptions) GetTranscriptCtx(_ context.Context, _ *yt.Video, lang string) (yt.VideoTranscript, error) {
	f.requestedLang = lang
	return f.segments, f.transcriptErr
}

type fakeFallback struct {
	text  string
	err   error
	calls int
}

func (f *fakeFallback) Fetch(_, _ string) (string, error) {
	f.calls++
	return f.text, f.err
}

func ytVideo() *models.VideoCandidate {
	return &models.VideoCandidate{Platform: models.PlatformYouTube, VideoID: "dQw4w9WgXcQ"}
}

func TestFindFirstMatch(t *testing.T) {
	tracks := []yt.CaptionTrack{
		{LanguageCode: "en", Kind: "asr"},
		{LanguageCode: "zh-TW"},
		{LanguageCode: "en"},
		{LanguageCode: "zh-CN", Kind: "asr"},
	}

	tests := []struct {
		name     string
		langs    []string
		wantLang string
		wantAuto bool
	}{
		{"manual beats earlier-ranked auto", []string{"zh-CN", "zh-TW"}, "zh-TW", false},
		{"first preferred manual", []string{"en", "zh-TW"}, "en", false},
		{"auto when no manual matches", []string{"zh-CN"}, "zh-CN", true},
		{"case insensitive", []string{"ZH-tw"}, "zh-TW", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findFirstMatch(tracks, tt.langs)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantLang, got.LanguageCode)
			assert.Equal(t, tt.wantAuto, got.Kind == "asr")
		})
	}

	assert.Nil(t, findFirstMatch(tracks, []string{"ja"}))
	assert.Nil(t, findFirstMatch(nil, []string{"en"}))
}

func TestYouTubeFetchTranscript_Success(t *testing.T) {
	captions := &fakeCaptions{
		video: &yt.Video{ID: "dQw4w9WgXcQ", CaptionTracks: []yt.CaptionTrack{
			{LanguageCode: "en", Kind: "asr"},
			{LanguageCode: "zh-CN"},
		}},
		segments: yt.VideoTranscript{
			{Text: "你好", StartMs: 0},
			{Text: " ", StartMs: 1000},
			{Text: "世界", StartMs: 61000},
		},
	}
	svc := newYouTubeService(nil, captions, &fakeFallback{}, 10)

	doc, err := svc.FetchTranscript(context.Background(), ytVideo(), []string{"zh-CN", "en"})
	require.NoError(t, err)
	assert.Equal(t, "zh-CN", captions.requestedLang)
	assert.Equal(t, "zh-CN", doc.Language)
	assert.Equal(t, "[00:00] 你好\n[01:01] 世界", doc.Text)
}

func TestYouTubeFetchTranscript_NoTracksIsDisabled(t *testing.T) {
	svc := newYouTubeService(nil, &fakeCaptions{video: &yt.Video{ID: "x"}}, nil, 10)

	_, err := svc.FetchTranscript(context.Background(), ytVideo(), []string{"en"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTranscriptDisabled)
	assert.Equal(t, policy.TranscriptUnavailable, policy.KindOf(err))
}

func TestYouTubeFetchTranscript_NoMatchingLanguage(t *testing.T) {
	captions := &fakeCaptions{video: &yt.Video{ID: "x", CaptionTracks: []yt.CaptionTrack{{LanguageCode: "ja"}}}}
	svc := newYouTubeService(nil, captions, nil, 10)

	_, err := svc.FetchTranscript(context.Background(), ytVideo(), []string{"en"})
	assert.ErrorIs(t, err, models.ErrTranscriptNotFound)
	assert.Equal(t, policy.TranscriptUnavailable, policy.KindOf(err))
}

func TestYouTubeFetchTranscript_FallbackUsed(t *testing.T) {
	captions := &fakeCaptions{
		video:         &yt.Video{ID: "x", CaptionTracks: []yt.CaptionTrack{{LanguageCode: "en"}}},
		transcriptErr: errors.New("innertube changed"),
	}
	fb := &fakeFallback{text: "  from fallback  "}
	svc := newYouTubeService(nil, captions, fb, 10)

	doc, err := svc.FetchTranscript(context.Background(), ytVideo(), []string{"en"})
	require.NoError(t, err)
	assert.Equal(t, 1, fb.calls)
	assert.Equal(t, "from fallback", doc.Text)
}

func TestYouTubeFetchTranscript_EmptyEverywhere(t *testing.T) {
	captions := &fakeCaptions{
		video:    &yt.Video{ID: "x", CaptionTracks: []yt.CaptionTrack{{LanguageCode: "en"}}},
		segments: yt.VideoTranscript{{Text: "  "}},
	}
	svc := newYouTubeService(nil, captions, &fakeFallback{err: errors.New("nope")}, 10)

	_, err := svc.FetchTranscript(context.Background(), ytVideo(), []string{"en"})
	assert.ErrorIs(t, err, models.ErrTranscriptEmpty)
	assert.Equal(t, policy.TranscriptUnavailable, policy.KindOf(err))
}

func TestClassifyCaptionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind policy.Kind
	}{
		{"disabled", yt.ErrTranscriptDisabled, policy.TranscriptUnavailable},
		{"private", yt.ErrVideoPrivate, policy.TranscriptUnavailable},
		{"429", yt.ErrUnexpectedStatusCode(429), policy.Transient},
		{"503", yt.ErrUnexpectedStatusCode(503), policy.Transient},
		{"404", yt.ErrUnexpectedStatusCode(404), policy.KindUnknown},
		{"other", errors.New("boom"), policy.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, policy.KindOf(classifyCaptionError("op", tt.err)))
		})
	}
}

func TestYouTubeListVideos(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/channels"):
			assert.Equal(t, "UC123", r.URL.Query().Get("id"))
			w.Write([]byte(`{"items":[{"contentDetails":{"relatedPlaylists":{"uploads":"UU123"}}}]}`))
		case strings.HasSuffix(r.URL.Path, "/playlistItems"):
			assert.Equal(t, "UU123", r.URL.Query().Get("playlistId"))
			w.Write([]byte(`{"items":[{"contentDetails":{"videoId":"v1"}},{"contentDetails":{"videoId":"v2"}}]}`))
		case strings.HasSuffix(r.URL.Path, "/videos"):
			w.Write([]byte(`{"items":[
				{"id":"v1","snippet":{"title":"Long talk","channelTitle":"Chan","publishedAt":"2025-01-02T03:04:05Z",
					"thumbnails":{"high":{"url":"https://i.ytimg.com/vi/v1/hq.jpg"}}},
				 "contentDetails":{"duration":"PT1H2M3S"}},
				{"id":"v2","snippet":{"title":"Live","publishedAt":"2025-01-03T00:00:00Z"},
				 "contentDetails":{"duration":"P0D?"}}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, err := NewYouTubeService(context.Background(), YouTubeConfig{APIKey: "k", MaxResults: 5},
		option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	videos, err := svc.ListVideos(context.Background(), models.Source{ID: "UC123", Name: "Fallback Name"})
	require.NoError(t, err)
	require.Len(t, videos, 2)

	v1 := videos[0]
	assert.Equal(t, "v1", v1.VideoID)
	assert.Equal(t, "Chan", v1.Author)
	assert.Equal(t, "https://i.ytimg.com/vi/v1/hq.jpg", v1.CoverURL)
	assert.Equal(t, "https://www.youtube.com/watch?v=v1", v1.SourceLink)
	require.NotNil(t, v1.Duration)
	assert.Equal(t, 3723, *v1.Duration)
	assert.Equal(t, 2025, v1.PublishedAt.Year())

	v2 := videos[1]
	assert.Nil(t, v2.Duration)
	assert.Equal(t, "Fallback Name", v2.Author)
	assert.Equal(t, "https://img.youtube.com/vi/v2/maxresdefault.jpg", v2.CoverURL)
}

func TestYouTubeListVideos_QuotaDisablesPlatform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"quota","errors":[{"reason":"quotaExceeded"}]}}`))
	}))
	defer srv.Close()

	svc, err := NewYouTubeService(context.Background(), YouTubeConfig{APIKey: "k"},
		option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	_, err = svc.ListVideos(context.Background(), models.Source{ID: "UC123"})
	require.Error(t, err)
	assert.Equal(t, policy.PlatformUnavailable, policy.KindOf(err))
}
