package chat

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text unchanged", "Hello", "Hello"},
		{"punctuation kept", "What is this site about?!", "What is this site about?!"},
		{"control characters stripped", "hi\x00there\x07", "hithere"},
		{"whitespace collapsed", "too   many\t\tspaces\n\nhere", "too many spaces here"},
		{"leading whitespace dropped", "   hello", "hello"},
		{"unicode letters kept", "привет köln 東京", "привет köln 東京"},
		{"numbers and symbols kept", "2+2=4, 100%", "2+2=4, 100%"},
		{"zero-width characters stripped", "a​b‍c", "abc"},
		{"empty stays empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
