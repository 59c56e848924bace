package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/scrubd/internal/adapter"
)

// MinEntityLength drops sub-word fragments returned by the model.
const MinEntityLength = 3

// DefaultChunkRunes bounds the text sent per request; the model sees at most
// a few hundred tokens at a time.
const DefaultChunkRunes = 450

var labelCategories = map[string]string{
	"PER":    CategoryPerson,
	"PERSON": CategoryPerson,
	"LOC":    CategoryLocation,
	"GPE":    CategoryLocation,
	"ORG":    CategoryOrganization,
}

// Model calls a local NER sidecar over HTTP.
type Model struct {
	baseURL    string
	httpClient *http.Client
	chunkRunes int
}

// NewModel creates a client targeting the sidecar base URL.
func NewModel(baseURL string) *Model {
	return &Model{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 0},
		chunkRunes: DefaultChunkRunes,
	}
}

type entitiesRequest struct {
	Text string `json:"text"`
}

type entitiesResponse struct {
	Entities []modelEntity `json:"entities"`
}

// modelEntity offsets are in characters (runes) of the request text.
type modelEntity struct {
	Label string  `json:"label"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

// Detect returns model entities with byte offsets into text. Confidence
// filtering against the policy threshold is left to the caller.
func (m *Model) Detect(ctx context.Context, text string, _ []adapter.LayoutRegion) ([]adapter.Entity, error) {
	var out []adapter.Entity
	for _, c := range chunks(text, m.chunkRunes) {
		ents, err := m.call(ctx, c.text)
		if err != nil {
			return nil, err
		}
		for _, e := range ents {
			cat, ok := labelCategories[strings.ToUpper(e.Label)]
			if !ok {
				continue
			}
			start, end, ok := runeSpanToBytes(c.text, e.Start, e.End)
			if !ok {
				continue
			}
			start, end = trimSpan(c.text, start, end)
			if utf8.RuneCountInString(c.text[start:end]) < MinEntityLength {
				continue
			}
			out = append(out, adapter.Entity{
				Category:   cat,
				Start:      c.offset + start,
				End:        c.offset + end,
				Confidence: e.Score,
				Source:     adapter.SourceModel,
			})
		}
	}
	return out, nil
}

func (m *Model) call(ctx context.Context, text string) ([]modelEntity, error) {
	body, err := json.Marshal(entitiesRequest{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/entities", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: ner request", adapter.ErrTimeout)
		}
		return nil, fmt.Errorf("ner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ner: unexpected status %d", resp.StatusCode)
	}
	var er entitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decoding ner response: %w", err)
	}
	return er.Entities, nil
}

type chunk struct {
	offset int
	text   string
}

// chunks splits text into pieces of at most n runes, cutting at the last
// whitespace where possible so words are not split.
func chunks(text string, n int) []chunk {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		if text == "" {
			return nil
		}
		return []chunk{{0, text}}
	}
	var out []chunk
	offset := 0
	for offset < len(text) {
		rest := text[offset:]
		end, count := 0, 0
		lastSpace := -1
		for i, r := range rest {
			if count == n {
				end = i
				break
			}
			if unicode.IsSpace(r) {
				lastSpace = i + utf8.RuneLen(r)
			}
			count++
			end = i + utf8.RuneLen(r)
		}
		if end < len(rest) && lastSpace > 0 {
			end = lastSpace
		}
		out = append(out, chunk{offset, rest[:end]})
		offset += end
	}
	return out
}

func runeSpanToBytes(s string, start, end int) (int, int, bool) {
	if start < 0 || end <= start {
		return 0, 0, false
	}
	bs, be := -1, -1
	idx := 0
	for i := range s {
		if idx == start {
			bs = i
		}
		if idx == end {
			be = i
			break
		}
		idx++
	}
	if be == -1 && idx == end {
		be = len(s)
	}
	if bs == -1 || be == -1 {
		return 0, 0, false
	}
	return bs, be, true
}

func trimSpan(s string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(s[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(s[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}
