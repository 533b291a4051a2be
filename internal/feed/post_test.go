package feed

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

var extractNow = time.Date(2026, 5, 14, 6, 30, 0, 0, time.UTC)

func TestExtractPostDataFieldFallbacks(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"author":       "DMC_SriLanka",
		"selftext":     "Flood warning issued for Kalu Ganga basin",
		"headline":     "Flood warning",
		"permalink":    "https://example.lk/posts/1",
		"num_comments": json.Number("12"),
		"score":        float64(40),
		"likes":        "-3",
		"created_at":   "2026-05-13T22:00:00Z",
		"district":     "Kalutara",
	}

	post, ok := ExtractPostData(raw, ExtractOptions{Platform: "reddit", Category: "weather", SourceTool: "scrape_reddit", Now: extractNow})
	if !ok {
		t.Fatalf("expected post to be extracted")
	}
	if post.Poster != "DMC_SriLanka" {
		t.Fatalf("expected poster from author, got %q", post.Poster)
	}
	if post.Title != "Flood warning" || !strings.HasPrefix(post.Text, "Flood warning issued") {
		t.Fatalf("unexpected title/text %q / %q", post.Title, post.Text)
	}
	if post.PostURL != "https://example.lk/posts/1" {
		t.Fatalf("expected permalink as url, got %q", post.PostURL)
	}
	if post.Engagement != (Engagement{Score: 40, Likes: 0, Shares: 0, Comments: 12}) {
		t.Fatalf("unexpected engagement %+v", post.Engagement)
	}
	if post.Timestamp != "2026-05-13T22:00:00Z" {
		t.Fatalf("expected source timestamp, got %q", post.Timestamp)
	}
	if post.District != "Kalutara" {
		t.Fatalf("expected district, got %q", post.District)
	}
	if post.ContentHash != ContentHash("DMC_SriLanka", post.Text+post.Title) {
		t.Fatalf("content hash must cover poster, text and title")
	}
	if post.PostID != post.ContentHash[:16] {
		t.Fatalf("expected post id from hash prefix, got %q", post.PostID)
	}
}

func TestExtractPostDataSkipsEmpty(t *testing.T) {
	t.Parallel()

	if _, ok := ExtractPostData(map[string]any{"author": "x", "url": "https://a"}, ExtractOptions{}); ok {
		t.Fatalf("expected item without text and title to be skipped")
	}
	if _, ok := ExtractPostData(nil, ExtractOptions{}); ok {
		t.Fatalf("expected nil item to be skipped")
	}
}

func TestExtractPostDataPseudoURLDeterministic(t *testing.T) {
	t.Parallel()

	raw := map[string]any{"username": "weather_watch", "text": "Heavy showers over Colombo this evening"}
	opts := ExtractOptions{Platform: "twitter", Category: "weather", Now: extractNow}

	first, ok := ExtractPostData(raw, opts)
	if !ok {
		t.Fatalf("expected post")
	}
	opts.Now = extractNow.Add(time.Hour)
	second, _ := ExtractPostData(raw, opts)

	if first.PostURL != second.PostURL {
		t.Fatalf("pseudo url changed between calls: %q vs %q", first.PostURL, second.PostURL)
	}
	if !first.HasPseudoURL() {
		t.Fatalf("expected pseudo url, got %q", first.PostURL)
	}
	want := "no-url://twitter/weather/" + ContentHash("weather_watch", "Heavy showers over Colombo this evening")[:16]
	if first.PostURL != want {
		t.Fatalf("expected %q, got %q", want, first.PostURL)
	}

	other, _ := ExtractPostData(raw, ExtractOptions{Platform: "facebook", Category: "weather", Now: extractNow})
	if other.PostURL == first.PostURL {
		t.Fatalf("pseudo url must include platform")
	}
}

func TestExtractPostDataEpochTimestamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{name: "created_utc seconds", raw: map[string]any{"created_utc": json.Number("1778745600")}, want: "2026-05-14T08:00:00Z"},
		{name: "fractional seconds", raw: map[string]any{"timestamp": float64(1778745600.5)}, want: "2026-05-14T08:00:00.5Z"},
		{name: "numeric string", raw: map[string]any{"timestamp": "1778745600"}, want: "2026-05-14T08:00:00Z"},
		{name: "milliseconds rejected", raw: map[string]any{"timestamp": json.Number("1778745600000")}, want: FormatTimestamp(extractNow)},
		{name: "negative rejected", raw: map[string]any{"timestamp": json.Number("-5")}, want: FormatTimestamp(extractNow)},
	}
	for _, tc := range tests {
		tc.raw["text"] = "Flood warning issued for Kalu Ganga basin"
		post, ok := ExtractPostData(tc.raw, ExtractOptions{Now: extractNow})
		if !ok {
			t.Fatalf("%s: expected post", tc.name)
		}
		if post.Timestamp != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, post.Timestamp)
		}
	}
}

func TestExtractPostDataTruncatesAndDefaults(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("අ", MaxTextLen+50)
	post, ok := ExtractPostData(map[string]any{"text": long, "poster": strings.Repeat("p", 300)}, ExtractOptions{Now: extractNow})
	if !ok {
		t.Fatalf("expected post")
	}
	if got := len([]rune(post.Text)); got != MaxTextLen {
		t.Fatalf("expected text truncated to %d runes, got %d", MaxTextLen, got)
	}
	if got := len(post.Poster); got != MaxPosterLen {
		t.Fatalf("expected poster truncated to %d, got %d", MaxPosterLen, got)
	}
	if post.Timestamp != FormatTimestamp(extractNow) {
		t.Fatalf("expected ingestion timestamp fallback, got %q", post.Timestamp)
	}

	anon, _ := ExtractPostData(map[string]any{"title": "Power cut schedule"}, ExtractOptions{Now: extractNow})
	if anon.Poster != "unknown" {
		t.Fatalf("expected unknown poster, got %q", anon.Poster)
	}
}

func TestPostSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title, text, want string
	}{
		{"", "only text", "only text"},
		{"Only title", "", "Only title"},
		{"Rain", "Rain expected in Galle", "Rain expected in Galle"},
		{"Alert", "Landslide risk in Badulla", "Alert - Landslide risk in Badulla"},
	}
	for _, tc := range tests {
		got := PostRecord{Title: tc.title, Text: tc.text}.Summary()
		if got != tc.want {
			t.Fatalf("Summary(%q, %q) = %q, want %q", tc.title, tc.text, got, tc.want)
		}
	}
}
