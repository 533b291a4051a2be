package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxPosterLen = 200
	MaxTitleLen  = 500
	MaxTextLen   = 2000

	pseudoURLScheme = "no-url://"
	pseudoDigestLen = 16
	unknownPoster   = "unknown"

	// Larger numeric timestamps are not epoch seconds.
	maxEpochSeconds = 1e11
)

var (
	posterKeys    = []string{"poster", "author", "username", "user", "handle"}
	textKeys      = []string{"text", "selftext", "snippet", "description", "content", "body"}
	titleKeys     = []string{"title", "headline"}
	urlKeys       = []string{"url", "link", "permalink", "post_url"}
	idKeys        = []string{"id", "post_id"}
	timestampKeys = []string{"timestamp", "created_at", "created_utc", "published_at", "date"}
	districtKeys  = []string{"district", "location"}
)

type Engagement struct {
	Score    int64 `json:"score"`
	Likes    int64 `json:"likes"`
	Shares   int64 `json:"shares"`
	Comments int64 `json:"comments"`
}

// PostRecord is one scraped item before acceptance.
type PostRecord struct {
	PostID      string     `json:"post_id"`
	Poster      string     `json:"poster"`
	Title       string     `json:"title"`
	Text        string     `json:"text"`
	PostURL     string     `json:"post_url"`
	ContentHash string     `json:"content_hash"`
	Engagement  Engagement `json:"engagement"`
	Platform    string     `json:"platform"`
	Category    string     `json:"category"`
	SourceTool  string     `json:"source_tool"`
	District    string     `json:"district,omitempty"`
	Language    string     `json:"language,omitempty"`
	Timestamp   string     `json:"timestamp"`
}

// HasPseudoURL reports whether the locator was synthesized.
func (p PostRecord) HasPseudoURL() bool {
	return strings.HasPrefix(p.PostURL, pseudoURLScheme)
}

// Summary is the text the dedup pipeline compares for this post.
func (p PostRecord) Summary() string {
	title := strings.TrimSpace(p.Title)
	text := strings.TrimSpace(p.Text)
	switch {
	case title == "":
		return text
	case text == "":
		return title
	case strings.HasPrefix(text, title):
		return text
	default:
		return title + " - " + text
	}
}

type ExtractOptions struct {
	Platform   string
	Category   string
	SourceTool string
	// District is used when the raw item carries no district of its own.
	District string
	Now      time.Time
}

// ExtractPostData normalizes a loosely structured source item. It returns
// false when the item has neither text nor title.
func ExtractPostData(raw map[string]any, opts ExtractOptions) (PostRecord, bool) {
	if raw == nil {
		return PostRecord{}, false
	}

	poster := firstString(raw, posterKeys)
	if poster == "" {
		poster = unknownPoster
	}
	text := firstString(raw, textKeys)
	title := firstString(raw, titleKeys)
	if text == "" && title == "" {
		return PostRecord{}, false
	}

	platform := strings.TrimSpace(opts.Platform)
	category := strings.TrimSpace(opts.Category)

	postURL := firstString(raw, urlKeys)
	if postURL == "" {
		postURL = PseudoURL(platform, category, poster, text)
	}

	contentHash := ContentHash(poster, text+title)
	postID := firstString(raw, idKeys)
	if postID == "" {
		postID = contentHash[:pseudoDigestLen]
	}

	district := firstString(raw, districtKeys)
	if district == "" {
		district = strings.TrimSpace(opts.District)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	timestamp := FormatTimestamp(now)
	if rawTS := firstString(raw, timestampKeys); rawTS != "" {
		if parsed, ok := parseSourceTimestamp(rawTS); ok {
			timestamp = FormatTimestamp(parsed)
		}
	}

	return PostRecord{
		PostID:      postID,
		Poster:      truncateRunes(poster, MaxPosterLen),
		Title:       truncateRunes(title, MaxTitleLen),
		Text:        truncateRunes(text, MaxTextLen),
		PostURL:     postURL,
		ContentHash: contentHash,
		Engagement:  extractEngagement(raw),
		Platform:    platform,
		Category:    category,
		SourceTool:  strings.TrimSpace(opts.SourceTool),
		District:    district,
		Timestamp:   timestamp,
	}, true
}

// parseSourceTimestamp accepts the string forms ParseTimestamp knows and
// numeric Unix seconds.
func parseSourceTimestamp(raw string) (time.Time, bool) {
	if parsed, err := ParseTimestamp(raw); err == nil {
		return parsed, true
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(secs) || secs <= 0 || secs >= maxEpochSeconds {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), true
}

// ContentHash is the hex SHA-256 of "poster|text".
func ContentHash(poster, text string) string {
	sum := sha256.Sum256([]byte(poster + "|" + text))
	return hex.EncodeToString(sum[:])
}

// PseudoURL derives a stable locator for items published without one.
func PseudoURL(platform, category, poster, text string) string {
	return fmt.Sprintf("%s%s/%s/%s", pseudoURLScheme, platform, category, ContentHash(poster, text)[:pseudoDigestLen])
}

func extractEngagement(raw map[string]any) Engagement {
	engagement := Engagement{
		Score:  nonNegativeInt(raw["score"]),
		Likes:  nonNegativeInt(raw["likes"]),
		Shares: nonNegativeInt(raw["shares"]),
	}
	if _, ok := raw["comments"]; ok {
		engagement.Comments = nonNegativeInt(raw["comments"])
	} else {
		engagement.Comments = nonNegativeInt(raw["num_comments"])
	}

	if nested, ok := raw["engagement"].(map[string]any); ok {
		if engagement.Score == 0 {
			engagement.Score = nonNegativeInt(nested["score"])
		}
		if engagement.Likes == 0 {
			engagement.Likes = nonNegativeInt(nested["likes"])
		}
		if engagement.Shares == 0 {
			engagement.Shares = nonNegativeInt(nested["shares"])
		}
		if engagement.Comments == 0 {
			engagement.Comments = nonNegativeInt(nested["comments"])
		}
	}
	return engagement
}

func nonNegativeInt(value any) int64 {
	var out float64
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		out = f
	case float64:
		out = v
	case float32:
		out = float64(v)
	case int:
		out = float64(v)
	case int64:
		out = float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		out = f
	default:
		return 0
	}
	if math.IsNaN(out) || out <= 0 {
		return 0
	}
	if out > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(out)
}

func firstString(raw map[string]any, keys []string) string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case json.Number:
			s = v.String()
		case float64:
			s = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			s = strconv.Itoa(v)
		case int64:
			s = strconv.FormatInt(v, 10)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func truncateRunes(value string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(value) <= maxLen {
		return value
	}
	return string([]rune(value)[:maxLen])
}
