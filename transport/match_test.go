package transport

import "testing"

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"chatter", "chatter", true},
		{"chatter", "chatter2", false},
		{"nv.srv.*", "nv.srv.greet_me", true},
		{"nv.srv.*", "nv.srv.a.b", false},
		{"nv.>", "nv.reply.1234", true},
		{"nv.>", "nv", false},
		{"*.count", "chickens.count", true},
		{"a.>.b", "a.x.b", false},
		{"a.b", "a", false},
	}

	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"node.dGFsa2Vy", true},
		{"chickens.count", true},
		{"a/b=c_d-e", true},
		{"", false},
		{".leading", false},
		{"trailing.", false},
		{"has space", false},
		{"star*", false},
	}
	for _, tt := range tests {
		if got := ValidKey(tt.key); got != tt.want {
			t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestValidChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"chatter", true},
		{"nv.srv.greet_me", true},
		{"", false},
		{"nv..srv", false},
		{"nv.*", false},
		{"nv.>", false},
		{"bad topic", false},
	}
	for _, tt := range tests {
		if got := ValidChannel(tt.channel); got != tt.want {
			t.Errorf("ValidChannel(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}
