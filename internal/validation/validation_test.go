package validation

import (
	"strings"
	"testing"
)

func TestIdentityName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "valid name",
			input:   "Work",
			wantErr: nil,
		},
		{
			name:    "valid name with spaces",
			input:   "Legal department 2026",
			wantErr: nil,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: ErrIdentityNameEmpty,
		},
		{
			name:    "whitespace only",
			input:   "   ",
			wantErr: ErrIdentityNameEmpty,
		},
		{
			name:    "max length valid",
			input:   strings.Repeat("a", 100),
			wantErr: nil,
		},
		{
			name:    "multibyte max length valid",
			input:   strings.Repeat("é", 100),
			wantErr: nil,
		},
		{
			name:    "too long",
			input:   strings.Repeat("a", 101),
			wantErr: ErrIdentityNameTooLong,
		},
		{
			name:    "control character",
			input:   "Work\x00",
			wantErr: ErrControlCharacters,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := IdentityName(tt.input); err != tt.wantErr {
				t.Errorf("IdentityName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestOwnerID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "valid email",
			input:   "jane.doe@example.com",
			wantErr: nil,
		},
		{
			name:    "valid uuid",
			input:   "4b1c2d7e-8f7a-4c1e-9b0d-2f6a1e3c5d7b",
			wantErr: nil,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: ErrOwnerIDEmpty,
		},
		{
			name:    "too long",
			input:   strings.Repeat("a", 65),
			wantErr: ErrOwnerIDTooLong,
		},
		{
			name:    "invalid characters - space",
			input:   "jane doe",
			wantErr: ErrOwnerIDInvalidChars,
		},
		{
			name:    "invalid characters - slash",
			input:   "org/jane",
			wantErr: ErrOwnerIDInvalidChars,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := OwnerID(tt.input); err != tt.wantErr {
				t.Errorf("OwnerID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSigningContext(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) error
		input   string
		wantErr error
	}{
		{"reason empty", Reason, "", nil},
		{"reason valid", Reason, "approve", nil},
		{"reason too long", Reason, strings.Repeat("r", 501), ErrReasonTooLong},
		{"reason newline", Reason, "approve\nreject", ErrControlCharacters},
		{"location empty", Location, "", nil},
		{"location valid", Location, "Berlin, DE", nil},
		{"location too long", Location, strings.Repeat("l", 201), ErrLocationTooLong},
		{"file id valid", FileID, "01J9Z3Q8X7", nil},
		{"file id too long", FileID, strings.Repeat("f", 256), ErrFileIDTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(tt.input); err != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
