package depstring

import (
	"strings"
	"testing"
)

func TestParseLiteralOnly(t *testing.T) {
	ds, err := Parse("plain value with no refs")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ds.HasDependents() {
		t.Error("HasDependents() = true for literal value")
	}
	if ds.Head != "plain value with no refs" {
		t.Errorf("Head = %q", ds.Head)
	}
}

func TestParseOutputReference(t *testing.T) {
	ds, err := Parse("prefix ${{ fetch.outputs.url }} suffix")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(ds.Dependents) != 1 {
		t.Fatalf("got %d dependents, want 1", len(ds.Dependents))
	}
	d := ds.Dependents[0]
	if d.Identifier != "fetch" || d.Field != "url" {
		t.Errorf("dependent = %s.%s, want fetch.url", d.Identifier, d.Field)
	}
	if ds.Head != "prefix " || d.Tail != " suffix" {
		t.Errorf("Head = %q, Tail = %q", ds.Head, d.Tail)
	}
}

func TestParseStoreReference(t *testing.T) {
	ds, err := Parse("${{ store.region }}")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	d := ds.Dependents[0]
	if d.Identifier != StoreIdentifier || d.Field != "region" {
		t.Errorf("dependent = %s.%s, want store.region", d.Identifier, d.Field)
	}
}

func TestParseMultipleReferences(t *testing.T) {
	ds, err := Parse("${{ a.outputs.x }}-${{ store.k }}-${{ a.outputs.y }}")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(ds.Dependents) != 3 {
		t.Fatalf("got %d dependents, want 3", len(ds.Dependents))
	}

	refs := ds.IdentifierFields()
	want := []IdentifierField{
		{Identifier: "a", Field: "x"},
		{Identifier: StoreIdentifier, Field: "k"},
		{Identifier: "a", Field: "y"},
	}
	for i, ref := range refs {
		if ref != want[i] {
			t.Errorf("ref[%d] = %v, want %v", i, ref, want[i])
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"unterminated", "head ${{ a.outputs.x", "unterminated placeholder at offset 5"},
		{"empty placeholder", "${{ }}", "empty placeholder at offset 0"},
		{"empty segment", "${{ a..x }}", "empty segment"},
		{"whitespace in segment", "${{ a b.outputs.x }}", "whitespace inside segment"},
		{"store with outputs", "${{ store.outputs.x }}", "reserved identifier"},
		{"wrong middle segment", "${{ a.results.x }}", "expected"},
		{"single segment", "${{ a }}", "expected identifier.outputs.field or store.key"},
		{"too many segments", "${{ a.outputs.x.y }}", "expected identifier.outputs.field or store.key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.input)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse(%q) error = %q, want substring %q", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestErrorOffsets(t *testing.T) {
	_, err := Parse("0123456789${{ bad }}")
	if err == nil {
		t.Fatal("Parse() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "offset 10") {
		t.Errorf("error %q does not carry offset 10", err)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	ds, err := Parse("https://${{ store.host }}/items/${{ list.outputs.id }}?p=${{ list.outputs.page }}")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	ds.SetValue(StoreIdentifier, "host", "api.example.com")
	ds.SetValue("list", "id", "42")
	ds.SetValue("list", "page", "7")

	got, err := ds.Render()
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "https://api.example.com/items/42?p=7"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderUnresolved(t *testing.T) {
	ds, err := Parse("${{ a.outputs.x }}")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := ds.Render(); err == nil {
		t.Error("Render() succeeded with an unfilled slot")
	}
}

func TestSetValueFillsAllMatching(t *testing.T) {
	ds, err := Parse("${{ a.outputs.x }} and ${{ a.outputs.x }}")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ds.SetValue("a", "x", "v")
	got, err := ds.Render()
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got != "v and v" {
		t.Errorf("Render() = %q", got)
	}
}
