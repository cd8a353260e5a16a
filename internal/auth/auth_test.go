package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "padded", header: "Bearer  abc123 ", want: "abc123"},
		{name: "missing header", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc123", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			got, err := ExtractBearerToken(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"tasks:ro"}},
		{Token: "writer", Scopes: []string{"tasks:rw"}},
	}

	if _, ok := Authenticate("admin-key", "admin-key", tokens); !ok {
		t.Error("legacy API key must authenticate")
	}
	p, ok := Authenticate("writer", "admin-key", tokens)
	if !ok {
		t.Fatal("configured token must authenticate")
	}
	if !HasAnyScope(p, "tasks:ro") {
		t.Error("tasks:rw must imply tasks:ro")
	}
	if HasAnyScope(p, "events:ro") {
		t.Error("writer must not hold events:ro")
	}

	if _, ok := Authenticate("stranger", "admin-key", tokens); ok {
		t.Error("unknown token must not authenticate")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Error("empty credentials must not authenticate")
	}
}

func TestHasAnyScopeAdmin(t *testing.T) {
	p, _ := Authenticate("k", "k", nil)
	if !HasAnyScope(p, "tasks:rw") || !HasAnyScope(p, "anything") {
		t.Error("admin scope * must satisfy any requirement")
	}
	if !HasAnyScope(p) {
		t.Error("empty requirement must always pass")
	}
}
