// Package resultref holds the per-request result log and resolves JMAP
// back-reference arguments against it.
package resultref

import (
	"fmt"

	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/jsonptr"
)

// MethodResponse is one entry in the response list: [name, args, callTag].
type MethodResponse struct {
	Name string
	Args map[string]any
	Tag  string
}

// Log accumulates the responses of a single request. It keeps both the
// ordered response list and, per call tag, the payloads of responses that
// succeeded; only the successful view is visible to back-references.
type Log struct {
	responses []MethodResponse
	succeeded map[string][]map[string]any
}

// NewLog returns an empty result log.
func NewLog() *Log {
	return &Log{succeeded: make(map[string][]map[string]any)}
}

// Add appends a response. Error responses are recorded in the ordered list
// but withheld from the back-reference view.
func (l *Log) Add(r MethodResponse) {
	l.responses = append(l.responses, r)
	if r.Name != "error" {
		l.succeeded[r.Tag] = append(l.succeeded[r.Tag], r.Args)
	}
}

// Responses returns the ordered response list.
func (l *Log) Responses() []MethodResponse {
	return l.responses
}

// Succeeded returns the successful payloads recorded under tag.
func (l *Log) Succeeded(tag string) ([]map[string]any, bool) {
	payloads, ok := l.succeeded[tag]
	return payloads, ok
}

// ResolveArgs returns a copy of args with back-reference keys substituted.
//
// A key of the form "#name" whose value is {resultOf, name, path} is replaced
// by a plain "name" key holding the pointer result over the concatenated
// successful payloads stored under resultOf. Substitution is shallow: only
// top-level keys are inspected. An unknown resultOf fails the whole call.
func ResolveArgs(args map[string]any, log *Log) (map[string]any, *jmaperror.MethodError) {
	resolved := make(map[string]any, len(args))

	for key, value := range args {
		if len(key) == 0 || key[0] != '#' {
			resolved[key] = value
			continue
		}

		ref, ok := value.(map[string]any)
		if !ok {
			return nil, jmaperror.InvalidResultReference(
				fmt.Sprintf("back-reference %q must be an object", key))
		}
		resultOf, _ := ref["resultOf"].(string)
		path, _ := ref["path"].(string)

		payloads, ok := log.Succeeded(resultOf)
		if !ok {
			return nil, jmaperror.InvalidResultReference(
				fmt.Sprintf("no successful result for call tag %q", resultOf))
		}

		// Apply the pointer to each payload under the tag and concatenate.
		var combined []any
		for _, payload := range payloads {
			combined = append(combined, jsonptr.ResolveList(path, payload)...)
		}

		resolved[key[1:]] = combined
	}

	return resolved, nil
}
