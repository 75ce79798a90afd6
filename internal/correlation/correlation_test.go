package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetAndEnsure(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatalf("expected empty context to have no correlation id")
	}
	ctx = Set(ctx, "")
	if Has(ctx) {
		t.Fatalf("expected invalid set to be ignored")
	}
	ctx = Set(ctx, "foo")
	if got := ID(ctx); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
	if got := ID(Ensure(ctx)); got != "foo" {
		t.Fatalf("ensure must keep existing id, got %q", got)
	}
	if !Has(Ensure(context.Background())) {
		t.Fatalf("ensure should generate an id")
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/track", nil)
	req.Header.Set(HeaderName, "req-42")
	if got := ID(FromRequest(context.Background(), req)); got != "req-42" {
		t.Fatalf("expected header id, got %q", got)
	}
	req.Header.Set(HeaderName, "bad\x02")
	if got := ID(FromRequest(context.Background(), req)); got == "" || got == "bad\x02" {
		t.Fatalf("expected generated id, got %q", got)
	}
}

func TestGenerate(t *testing.T) {
	id := Generate()
	if _, ok := Normalize(id); !ok {
		t.Fatalf("generated id should be valid, got %q", id)
	}
	if id == Generate() {
		t.Fatalf("expected unique ids")
	}
}
