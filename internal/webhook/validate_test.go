package webhook

import "testing"

func TestIsAcceptableURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/hook", true},
		{"https://10.0.0.5:8443/x", true},
		{"HTTPS://Example.com", true},
		{"http://localhost:3000/x", true},
		{"http://LOCALHOST/x", true},
		{"http://127.0.0.1:8080/hook", true},
		{"http://127.0.0.2/hook", true},
		{"http://[::1]:9000/hook", true},
		{"http://example.com", false},
		{"http://10.0.0.1/hook", false},
		{"http://localhost.example.com/", false},
		{"ftp://example.com", false},
		{"not a url", false},
		{"https://", false},
		{"https:example.com", false},
		{"", false},
		{"://missing-scheme", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsAcceptableURL(tt.url); got != tt.want {
				t.Errorf("IsAcceptableURL(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}
