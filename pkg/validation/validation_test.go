package validation

import (
	"strings"
	"testing"
)

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		wantErr bool
	}{
		{"plain id", "alice", false},
		{"firebase style uid", "Xk3v9QpL2mN8aB7cD1eF0gH4", false},
		{"email like", "bob@example.com", false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"space inside", "bob smith", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.userID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSDP(t *testing.T) {
	valid := "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

	tests := []struct {
		name    string
		sdp     string
		wantErr bool
	}{
		{"valid", valid, false},
		{"empty", "", true},
		{"wrong prefix", "o=- 1 2 IN IP4 127.0.0.1\r\nv=0", true},
		{"missing timing", "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSDP(tt.sdp)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSDP() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://localhost:8081/ws", false},
		{"wss://signal.example.com/ws", false},
		{"ftp://example.com", true},
		{"ws://", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBitrate(t *testing.T) {
	for _, bps := range []int{150_000, 500_000, 1_500_000} {
		if err := ValidateBitrate(bps); err != nil {
			t.Errorf("ValidateBitrate(%d) unexpected error: %v", bps, err)
		}
	}
	if err := ValidateBitrate(1000); err == nil {
		t.Error("expected error for tiny bitrate")
	}
}
