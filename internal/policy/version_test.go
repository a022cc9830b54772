package policy

import "testing"

func TestMatchVersion(t *testing.T) {
	tests := []struct {
		pattern   string
		candidate string
		want      bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.0.0", "1.0.1", false},
		{"latest", "0.0.1", true},
		{"*", "42.0.0", true},

		{"^1.2.0", "1.2.0", true},
		{"^1.2.0", "1.2.9", true},
		{"^1.2.0", "1.9.9", true},
		{"^1.2.0", "2.0.0", false},
		{"^1.2.0", "0.9.0", false},
		{"^1.2.0", "1.1.9", false},

		{"~1.2.0", "1.2.5", true},
		{"~1.2.0", "1.2.0", true},
		{"~1.2.0", "1.3.0", false},
		{"~1.2.3", "1.2.1", false},
		{"~1.2.0", "2.2.0", false},

		{"^1.2", "1.4.0", true},
		{"^v1.2.0", "v1.3.0", true},
		{"^1.2.0", "1.3.0-beta", false},
		{"^x.y.z", "1.0.0", false},
		{">=1.0.0", "2.0.0", false},
		{"", "1.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.candidate, func(t *testing.T) {
			if got := MatchVersion(tt.pattern, tt.candidate); got != tt.want {
				t.Errorf("MatchVersion(%q, %q) = %v, want %v", tt.pattern, tt.candidate, got, tt.want)
			}
		})
	}
}
