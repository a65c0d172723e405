// Package convert validates the capture payloads the extension pushes through
// the bridge and turns them into typed messages for the backend. The bridge
// core never looks inside payloads; this seam is a collaborator of the host
// binary. Every validation failure degrades to an Error frame, never a crash.
package convert

import (
	"encoding/json"
	"fmt"
)

// Actions with typed payloads. Anything else flows through the bridge opaque.
const (
	ActionTabUpdated   = "TAB_UPDATED"
	ActionTabActivated = "TAB_ACTIVATED"
	ActionAssets       = "ASSETS"
	ActionSnapshot     = "SNAPSHOT"
)

// ConversionError reports a payload that failed typed validation.
type ConversionError struct {
	Action string
	Field  string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s payload: field %q %s", e.Action, e.Field, e.Reason)
}

func fail(action, field, reason string) error {
	return &ConversionError{Action: action, Field: field, Reason: reason}
}

// TabMetadata describes the active tab, sent on TAB_UPDATED/TAB_ACTIVATED.
type TabMetadata struct {
	URL        string
	Title      string
	FaviconURL string
}

// TranscriptLine is one caption line of a video transcript.
type TranscriptLine struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Tweet is one captured tweet.
type Tweet struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
	Author    string `json:"author,omitempty"`
}

// Asset is a full content capture of the active tab. Exactly one of the
// typed fields is set, according to Type.
type Asset struct {
	Type    string
	Youtube *YoutubeAsset
	Article *ArticleAsset
	PDF     *PDFAsset
	Twitter *TwitterAsset
}

// YoutubeAsset carries a video capture: transcript plus current frame.
type YoutubeAsset struct {
	URL              string
	Title            string
	Transcript       []TranscriptLine
	CurrentTime      float64
	VideoFrameBase64 string
	VideoFrameWidth  int
	VideoFrameHeight int
}

// ArticleAsset carries the readable content of a page.
type ArticleAsset struct {
	URL     string
	Title   string
	Content string
	Author  string // optional
}

// PDFAsset carries a captured PDF document.
type PDFAsset struct {
	URL           string
	Title         string
	ContentBase64 string
}

// TwitterAsset carries captured tweets.
type TwitterAsset struct {
	URL    string
	Title  string
	Tweets []Tweet
}

// Snapshot is a lightweight state capture, cheaper than a full Asset.
type Snapshot struct {
	Type    string
	Youtube *YoutubeSnapshot
	Article *ArticleSnapshot
	Twitter *TwitterSnapshot
}

// YoutubeSnapshot records playback position.
type YoutubeSnapshot struct {
	URL         string
	CurrentTime float64
}

// ArticleSnapshot records reading position.
type ArticleSnapshot struct {
	URL           string
	ScrollPercent float64
}

// TwitterSnapshot records newly visible tweets.
type TwitterSnapshot struct {
	URL    string
	Tweets []Tweet
}

// object is a decoded JSON payload with explicit presence checks. The
// extension is hand-written JavaScript; assume nothing about it.
type object struct {
	action string
	m      map[string]any
}

func decode(action, payload string) (object, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return object{}, fail(action, "", "is not a JSON object: "+err.Error())
	}
	return object{action: action, m: m}, nil
}

func (o object) str(field string) (string, error) {
	v, ok := o.m[field]
	if !ok {
		return "", fail(o.action, field, "is missing")
	}
	s, ok := v.(string)
	if !ok {
		return "", fail(o.action, field, "is not a string")
	}
	return s, nil
}

func (o object) optStr(field string) string {
	s, _ := o.m[field].(string)
	return s
}

func (o object) num(field string) (float64, error) {
	v, ok := o.m[field]
	if !ok {
		return 0, fail(o.action, field, "is missing")
	}
	n, ok := v.(float64)
	if !ok {
		return 0, fail(o.action, field, "is not a number")
	}
	return n, nil
}

func (o object) optNum(field string) float64 {
	n, _ := o.m[field].(float64)
	return n
}

// ParseMetadata validates a TAB_UPDATED/TAB_ACTIVATED payload.
func ParseMetadata(action, payload string) (*TabMetadata, error) {
	o, err := decode(action, payload)
	if err != nil {
		return nil, err
	}
	url, err := o.str("url")
	if err != nil {
		return nil, err
	}
	title, err := o.str("title")
	if err != nil {
		return nil, err
	}
	return &TabMetadata{URL: url, Title: title, FaviconURL: o.optStr("faviconUrl")}, nil
}

// ParseAsset validates an ASSETS payload, discriminated by its type field.
func ParseAsset(payload string) (*Asset, error) {
	o, err := decode(ActionAssets, payload)
	if err != nil {
		return nil, err
	}
	typ, err := o.str("type")
	if err != nil {
		return nil, err
	}
	asset := &Asset{Type: typ}
	switch typ {
	case "youtube":
		asset.Youtube, err = parseYoutubeAsset(o)
	case "article":
		asset.Article, err = parseArticleAsset(o)
	case "pdf":
		asset.PDF, err = parsePDFAsset(o)
	case "twitter":
		asset.Twitter, err = parseTwitterAsset(o)
	default:
		return nil, fail(ActionAssets, "type", fmt.Sprintf("has unknown value %q", typ))
	}
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// ParseSnapshot validates a SNAPSHOT payload, discriminated by its type field.
func ParseSnapshot(payload string) (*Snapshot, error) {
	o, err := decode(ActionSnapshot, payload)
	if err != nil {
		return nil, err
	}
	typ, err := o.str("type")
	if err != nil {
		return nil, err
	}
	url, err := o.str("url")
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Type: typ}
	switch typ {
	case "youtube":
		t, err := o.num("currentTime")
		if err != nil {
			return nil, err
		}
		snap.Youtube = &YoutubeSnapshot{URL: url, CurrentTime: t}
	case "article":
		snap.Article = &ArticleSnapshot{URL: url, ScrollPercent: o.optNum("scrollPercent")}
	case "twitter":
		tweets, err := o.tweets()
		if err != nil {
			return nil, err
		}
		snap.Twitter = &TwitterSnapshot{URL: url, Tweets: tweets}
	default:
		return nil, fail(ActionSnapshot, "type", fmt.Sprintf("has unknown value %q", typ))
	}
	return snap, nil
}

func parseYoutubeAsset(o object) (*YoutubeAsset, error) {
	url, err := o.str("url")
	if err != nil {
		return nil, err
	}
	title, err := o.str("title")
	if err != nil {
		return nil, err
	}
	rawTranscript, err := o.str("transcript")
	if err != nil {
		return nil, err
	}
	var lines []TranscriptLine
	if err := json.Unmarshal([]byte(rawTranscript), &lines); err != nil {
		return nil, fail(ActionAssets, "transcript", "is not a transcript array: "+err.Error())
	}
	current, err := o.num("currentTime")
	if err != nil {
		return nil, err
	}
	return &YoutubeAsset{
		URL:              url,
		Title:            title,
		Transcript:       lines,
		CurrentTime:      current,
		VideoFrameBase64: o.optStr("videoFrameBase64"),
		VideoFrameWidth:  int(o.optNum("videoFrameWidth")),
		VideoFrameHeight: int(o.optNum("videoFrameHeight")),
	}, nil
}

func parseArticleAsset(o object) (*ArticleAsset, error) {
	url, err := o.str("url")
	if err != nil {
		return nil, err
	}
	title, err := o.str("title")
	if err != nil {
		return nil, err
	}
	content, err := o.str("content")
	if err != nil {
		return nil, err
	}
	return &ArticleAsset{URL: url, Title: title, Content: content, Author: o.optStr("author")}, nil
}

func parsePDFAsset(o object) (*PDFAsset, error) {
	url, err := o.str("url")
	if err != nil {
		return nil, err
	}
	title, err := o.str("title")
	if err != nil {
		return nil, err
	}
	content, err := o.str("content")
	if err != nil {
		return nil, err
	}
	return &PDFAsset{URL: url, Title: title, ContentBase64: content}, nil
}

func parseTwitterAsset(o object) (*TwitterAsset, error) {
	url, err := o.str("url")
	if err != nil {
		return nil, err
	}
	title, err := o.str("title")
	if err != nil {
		return nil, err
	}
	tweets, err := o.tweets()
	if err != nil {
		return nil, err
	}
	return &TwitterAsset{URL: url, Title: title, Tweets: tweets}, nil
}

func (o object) tweets() ([]Tweet, error) {
	v, ok := o.m["tweets"]
	if !ok {
		return nil, fail(o.action, "tweets", "is missing")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fail(o.action, "tweets", "is not serializable")
	}
	var tweets []Tweet
	if err := json.Unmarshal(raw, &tweets); err != nil {
		return nil, fail(o.action, "tweets", "is not a tweet array: "+err.Error())
	}
	for i, t := range tweets {
		if t.Text == "" {
			return nil, fail(o.action, fmt.Sprintf("tweets[%d].text", i), "is missing")
		}
	}
	return tweets, nil
}
