package versioncheck

import "testing"

func TestParseVersionOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{"bare version", "1.2.3", "v1.2.3", false},
		{"v prefix", "v0.9.1", "v0.9.1", false},
		{"with product name", "amp version 2.0.0 (build 1234)", "v2.0.0", false},
		{"prerelease", "0.10.0-beta.1", "v0.10.0-beta.1", false},
		{"multi-line", "amp 1.0.0\nnode v20.11.0", "v1.0.0", false},
		{"no version at all", "command not found", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVersionOutput(tt.output)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVersionOutput(%q) error = %v, wantErr %v", tt.output, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseVersionOutput(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}

func TestIsBelowMinimum(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"v0.8.9", true},
		{"v0.9.0", false},
		{"v1.0.0", false},
		{"0.1.0", true},  // missing v prefix is tolerated
		{"", false},      // unknown versions are not flagged
		{"junk", false},  // unparsable versions are not flagged
	}

	for _, tt := range tests {
		if got := IsBelowMinimum(tt.version); got != tt.want {
			t.Errorf("IsBelowMinimum(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}
