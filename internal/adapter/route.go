package adapter

import (
	"context"
	"fmt"
	"sort"
)

// ExtractByType routes extraction by media type.
type ExtractByType map[string]Extractor

func (m ExtractByType) Extract(ctx context.Context, doc Document) (Extraction, error) {
	e, ok := m[doc.MediaType]
	if !ok {
		return Extraction{}, fmt.Errorf("%w: no extractor for %s", ErrUnreadable, doc.MediaType)
	}
	return e.Extract(ctx, doc)
}

// RedactByType routes redaction by media type.
type RedactByType map[string]Redactor

func (m RedactByType) Redact(ctx context.Context, doc Document, regions []Region) (Document, error) {
	r, ok := m[doc.MediaType]
	if !ok {
		return Document{}, fmt.Errorf("%w: no redactor for %s", ErrApplyFailed, doc.MediaType)
	}
	return r.Redact(ctx, doc, regions)
}

// Regions resolves entity spans to boxes. For each entity the boxes of the
// words it touches are unioned per line, so a span wrapping onto the next
// line yields one region per line instead of one box over both.
func Regions(ext Extraction, entities []Entity) []Region {
	type lineKey struct{ page, line int }
	var out []Region
	for _, ent := range entities {
		boxes := map[lineKey]Rect{}
		var order []lineKey
		for _, lr := range ext.Regions {
			if lr.End <= ent.Start || lr.Start >= ent.End {
				continue
			}
			k := lineKey{lr.Page, lr.Line}
			if b, ok := boxes[k]; ok {
				boxes[k] = b.Union(lr.Box)
				continue
			}
			boxes[k] = lr.Box
			order = append(order, k)
		}
		for _, k := range order {
			out = append(out, Region{Page: k.page, Box: boxes[k]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		if out[i].Box.Y0 != out[j].Box.Y0 {
			return out[i].Box.Y0 < out[j].Box.Y0
		}
		return out[i].Box.X0 < out[j].Box.X0
	})
	return out
}

// CountByCategory returns the number of entities per category.
func CountByCategory(entities []Entity) map[string]int {
	counts := make(map[string]int)
	for _, e := range entities {
		counts[e.Category]++
	}
	return counts
}
