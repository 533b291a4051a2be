package payloadschema

import (
	"encoding/json"
	"strings"
	"testing"

	"horse.fit/modelx/internal/feed"
)

func TestValidateRawPost_Valid(t *testing.T) {
	payload := json.RawMessage(`{
		"id":"t3_abc",
		"author":"lanka_weather",
		"title":"Heavy rain in Colombo",
		"selftext":"Roads flooded near Wellawatte",
		"permalink":"https://reddit.com/r/srilanka/abc",
		"score":42,
		"num_comments":"7",
		"engagement":{"likes":3}
	}`)

	item, err := ValidateRawPost(payload)
	if err != nil {
		t.Fatalf("expected payload to be valid, got error: %v", err)
	}
	if item["author"] != "lanka_weather" {
		t.Fatalf("expected author preserved, got %v", item["author"])
	}
	if _, ok := item["score"].(json.Number); !ok {
		t.Fatalf("expected score decoded as json.Number, got %T", item["score"])
	}
}

func TestValidateRawPost_NoText(t *testing.T) {
	payload := json.RawMessage(`{"author":"x","url":"https://example.com","title":"   "}`)

	_, err := ValidateRawPost(payload)
	if err == nil {
		t.Fatalf("expected validation to fail without any text field")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected schema error, got: %v", err)
	}
}

func TestValidateRawPost_OddCountsLeftToExtraction(t *testing.T) {
	payload := json.RawMessage(`{"text":"Fuel queue at Kandy","likes":-4,"shares":"many","score":null}`)

	item, err := ValidateRawPost(payload)
	if err != nil {
		t.Fatalf("expected odd engagement counts to pass validation, got %v", err)
	}
	post, ok := feed.ExtractPostData(item, feed.ExtractOptions{})
	if !ok {
		t.Fatalf("expected post to be extracted")
	}
	if post.Engagement != (feed.Engagement{}) {
		t.Fatalf("expected counts clamped to zero, got %+v", post.Engagement)
	}
}

func TestValidateRawPost_EngagementWrongType(t *testing.T) {
	payload := json.RawMessage(`{"text":"Fuel queue at Kandy","likes":{"n":4}}`)

	if _, err := ValidateRawPost(payload); err == nil {
		t.Fatalf("expected validation to fail for object-valued likes")
	}
}

func TestValidateRawPost_TrailingContent(t *testing.T) {
	payload := json.RawMessage(`{"text":"ok text"} {"text":"second"}`)

	_, err := ValidateRawPost(payload)
	if err == nil || !strings.Contains(err.Error(), "trailing content") {
		t.Fatalf("expected trailing content error, got %v", err)
	}
}

func TestValidateRawPost_NotObject(t *testing.T) {
	if _, err := ValidateRawPost(json.RawMessage(`"just a string"`)); err == nil {
		t.Fatalf("expected non-object payload to fail")
	}
}

func TestDecodeItems(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
		wantErr bool
	}{
		{name: "array", payload: `[{"text":"a"},{"text":"b"}]`, want: 2},
		{name: "results envelope", payload: `{"results":[{"text":"a"}],"count":1}`, want: 1},
		{name: "posts envelope", payload: `{"posts":[{"text":"a"},{"text":"b"},{"text":"c"}]}`, want: 3},
		{name: "single object", payload: `{"text":"only one"}`, want: 1},
		{name: "empty", payload: `  `, wantErr: true},
		{name: "scalar", payload: `42`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			items, err := DecodeItems(json.RawMessage(tc.payload))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode items: %v", err)
			}
			if len(items) != tc.want {
				t.Fatalf("expected %d items, got %d", tc.want, len(items))
			}
		})
	}
}
