package resultref

import (
	"reflect"
	"testing"
)

func TestResolveArgsPassthrough(t *testing.T) {
	log := NewLog()

	args := map[string]any{"accountId": "user-1", "ids": []any{"m1"}}
	resolved, err := ResolveArgs(args, log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(resolved, args) {
		t.Errorf("resolved = %v, want unchanged args", resolved)
	}
}

func TestResolveArgsSubstitutesBackRef(t *testing.T) {
	log := NewLog()
	log.Add(MethodResponse{
		Name: "Mailbox/query",
		Args: map[string]any{"ids": []any{"mb1", "mb2"}},
		Tag:  "a",
	})

	args := map[string]any{
		"#ids": map[string]any{
			"resultOf": "a",
			"name":     "Mailbox/query",
			"path":     "/ids",
		},
	}
	resolved, err := ResolveArgs(args, log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []any{"mb1", "mb2"}
	if !reflect.DeepEqual(resolved["ids"], want) {
		t.Errorf("ids = %v, want %v", resolved["ids"], want)
	}
	if _, stillThere := resolved["#ids"]; stillThere {
		t.Error("raw back-reference key should be removed after substitution")
	}
}

func TestResolveArgsConcatenatesRepeatedTags(t *testing.T) {
	log := NewLog()
	log.Add(MethodResponse{Name: "Email/query", Args: map[string]any{"ids": []any{"e1"}}, Tag: "q"})
	log.Add(MethodResponse{Name: "Email/query", Args: map[string]any{"ids": []any{"e2", "e3"}}, Tag: "q"})

	args := map[string]any{
		"#ids": map[string]any{"resultOf": "q", "name": "Email/query", "path": "/ids"},
	}
	resolved, err := ResolveArgs(args, log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []any{"e1", "e2", "e3"}
	if !reflect.DeepEqual(resolved["ids"], want) {
		t.Errorf("ids = %v, want %v", resolved["ids"], want)
	}
}

func TestResolveArgsUnknownTagFails(t *testing.T) {
	log := NewLog()

	args := map[string]any{
		"#ids": map[string]any{"resultOf": "nope", "name": "x", "path": "/ids"},
	}
	_, err := ResolveArgs(args, log)
	if err == nil {
		t.Fatal("expected an error for unknown resultOf")
	}
	if err.Type != "invalidResultReference" {
		t.Errorf("error type = %q, want invalidResultReference", err.Type)
	}
}

func TestResolveArgsErrorResponsesInvisible(t *testing.T) {
	log := NewLog()
	log.Add(MethodResponse{Name: "error", Args: map[string]any{"type": "serverError"}, Tag: "a"})

	args := map[string]any{
		"#ids": map[string]any{"resultOf": "a", "name": "x", "path": "/ids"},
	}
	_, err := ResolveArgs(args, log)
	if err == nil {
		t.Fatal("expected an error: only successful results are visible")
	}
	if err.Type != "invalidResultReference" {
		t.Errorf("error type = %q, want invalidResultReference", err.Type)
	}
}

func TestResolveArgsMalformedReference(t *testing.T) {
	log := NewLog()

	args := map[string]any{"#ids": "not-an-object"}
	_, err := ResolveArgs(args, log)
	if err == nil {
		t.Fatal("expected an error for malformed reference value")
	}
}

func TestLogOrderPreserved(t *testing.T) {
	log := NewLog()
	log.Add(MethodResponse{Name: "Mailbox/get", Tag: "a"})
	log.Add(MethodResponse{Name: "error", Tag: "b"})
	log.Add(MethodResponse{Name: "Email/get", Tag: "c"})

	responses := log.Responses()
	if len(responses) != 3 {
		t.Fatalf("len(responses) = %d, want 3", len(responses))
	}
	if responses[1].Name != "error" || responses[1].Tag != "b" {
		t.Errorf("responses[1] = %+v, want the error under tag b", responses[1])
	}
}
