// Package snippet implements SearchSnippet/get: highlighting the matched
// search terms inside the subject and body preview of listed messages.
package snippet

import (
	"context"
	"errors"
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/htmlstrip"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/resultref"
	"github.com/mailtide/jmap-api/internal/store"
)

const (
	// maxPreviewBytes caps the highlighted body preview.
	maxPreviewBytes = 200
	// previewLeadBytes is how much context survives before the first match
	// when the preview window has to skip ahead to reach it.
	previewLeadBytes = 60
	maxEmailIDs      = 100
)

// Register installs the SearchSnippet methods.
func Register(registry *dispatcher.Registry) {
	registry.Register("SearchSnippet/get", getHandler)
}

// Terms are the search terms pulled out of an Email/query filter, split by
// the field they highlight.
type Terms struct {
	Subject []string
	Preview []string
}

// nonSnippetFilters name conditions that cannot be rendered as highlighted
// snippets; a query using them gets an unsupportedFilter error here.
var nonSnippetFilters = map[string]bool{
	"header":                  true,
	"allInThreadHaveKeyword":  true,
	"someInThreadHaveKeyword": true,
	"noneInThreadHaveKeyword": true,
}

// CollectTerms walks a filter tree and gathers every text operand. Non-text
// conditions (mailboxes, dates, keywords) contribute nothing; filters that
// cannot be rendered as snippets are rejected.
func CollectTerms(filter map[string]any) (*Terms, *jmaperror.MethodError) {
	terms := &Terms{}
	if err := collectInto(filter, terms); err != nil {
		return nil, err
	}
	return terms, nil
}

func collectInto(filter map[string]any, terms *Terms) *jmaperror.MethodError {
	if filter == nil {
		return nil
	}
	if _, isOperator := filter["operator"].(string); isOperator {
		conditions, _ := filter["conditions"].([]any)
		for _, raw := range conditions {
			sub, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if err := collectInto(sub, terms); err != nil {
				return err
			}
		}
		return nil
	}

	for key, value := range filter {
		if nonSnippetFilters[key] {
			return jmaperror.UnsupportedFilter(key + " cannot be highlighted")
		}
		term, isString := value.(string)
		if !isString || term == "" {
			continue
		}
		switch key {
		case "text":
			terms.Subject = append(terms.Subject, term)
			terms.Preview = append(terms.Preview, term)
		case "subject":
			terms.Subject = append(terms.Subject, term)
		case "body", "from", "to", "cc", "bcc":
			terms.Preview = append(terms.Preview, term)
		}
	}
	return nil
}

func getHandler(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
	if accountID, ok := args["accountId"].(string); ok && accountID != req.Account {
		return nil, jmaperror.AccountNotFound("Unknown accountId " + accountID)
	}

	rawIDs, ok := args["emailIds"].([]any)
	if !ok {
		return nil, jmaperror.InvalidArguments("emailIds must be a list of strings")
	}
	if len(rawIDs) > maxEmailIDs {
		return nil, jmaperror.RequestTooLarge("too many emailIds; maximum is 100")
	}

	filter, _ := args["filter"].(map[string]any)
	terms, termsErr := CollectTerms(filter)
	if termsErr != nil {
		return nil, termsErr
	}

	list := []any{}
	notFound := []any{}
	for _, raw := range rawIDs {
		requested, ok := raw.(string)
		if !ok {
			return nil, jmaperror.InvalidArguments("emailIds must be a list of strings")
		}
		rec, err := req.Store.GetOne(ctx, req.Account, store.KindEmail, req.ResolveID(requested))
		if errors.Is(err, store.ErrNotFound) || (err == nil && !rec.Active) {
			notFound = append(notFound, requested)
			continue
		}
		if err != nil {
			return nil, jmaperror.ServerFail("failed to load email", err)
		}
		list = append(list, map[string]any{
			"emailId": requested,
			"subject": Highlight(rec.String("subject"), terms.Subject),
			"preview": HighlightPreview(previewText(rec), terms.Preview),
		})
	}

	return []resultref.MethodResponse{{Name: "SearchSnippet/get", Args: map[string]any{
		"accountId": req.Account,
		"list":      list,
		"notFound":  notFound,
	}}}, nil
}

// previewText picks the best body source: the stored plain text, falling
// back to stripped HTML.
func previewText(rec *store.Record) string {
	if text := rec.String("textBody"); text != "" {
		return text
	}
	if source := rec.String("htmlBody"); source != "" {
		return htmlstrip.Strip(source)
	}
	return rec.String("preview")
}

// span is a byte range [start, end) of a matched term.
type span struct {
	start, end int
}

// Highlight HTML-escapes text and wraps each case-insensitive term match in
// <mark> tags. Nil means no term matched.
func Highlight(text string, terms []string) *string {
	if text == "" || len(terms) == 0 {
		return nil
	}
	spans := findSpans(text, terms)
	if len(spans) == 0 {
		return nil
	}

	var b strings.Builder
	pos := 0
	for _, s := range spans {
		b.WriteString(html.EscapeString(text[pos:s.start]))
		b.WriteString("<mark>")
		b.WriteString(html.EscapeString(text[s.start:s.end]))
		b.WriteString("</mark>")
		pos = s.end
	}
	b.WriteString(html.EscapeString(text[pos:]))
	out := b.String()
	return &out
}

// HighlightPreview is Highlight bounded to maxPreviewBytes. The window is
// anchored just before the first match so a late match still shows up marked;
// cuts land on rune boundaries and never inside a tag.
func HighlightPreview(text string, terms []string) *string {
	if text == "" || len(terms) == 0 {
		return nil
	}
	spans := findSpans(text, terms)
	if len(spans) == 0 {
		return nil
	}

	prefix := ""
	if start := spans[0].start; start > previewLeadBytes {
		windowStart := start - previewLeadBytes
		for windowStart < len(text) && !utf8.RuneStart(text[windowStart]) {
			windowStart++
		}
		text = text[windowStart:]
		prefix = "..."
	}

	highlighted := Highlight(text, terms)
	if highlighted == nil {
		return nil
	}
	out := prefix + *highlighted
	if len(out) > maxPreviewBytes {
		out = truncate(out, maxPreviewBytes)
	}
	return &out
}

// findSpans locates every case-insensitive term occurrence and merges
// overlapping ranges into an ordered, disjoint list.
func findSpans(text string, terms []string) []span {
	lower := strings.ToLower(text)
	var spans []span
	for _, term := range terms {
		needle := strings.ToLower(term)
		if needle == "" {
			continue
		}
		for from := 0; ; {
			idx := strings.Index(lower[from:], needle)
			if idx < 0 {
				break
			}
			start := from + idx
			spans = append(spans, span{start: start, end: start + len(needle)})
			from = start + 1
		}
	}
	if len(spans) == 0 {
		return nil
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// truncate cuts s to maxBytes with a trailing ellipsis, respecting UTF-8
// boundaries and backing out of a half-written tag.
func truncate(s string, maxBytes int) string {
	const ellipsis = "..."
	budget := maxBytes - len(ellipsis)
	if budget <= 0 {
		return ellipsis
	}

	cut := 0
	for cut < len(s) {
		_, size := utf8.DecodeRuneInString(s[cut:])
		if cut+size > budget {
			break
		}
		cut += size
	}
	out := s[:cut]

	if open := strings.LastIndex(out, "<"); open >= 0 && strings.LastIndex(out, ">") < open {
		out = out[:open]
	}
	return out + ellipsis
}
