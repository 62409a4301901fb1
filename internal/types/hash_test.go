// ABOUTME: Tests for SHA-256 digest parsing
// ABOUTME: Covers normalization, length and character validation

package types_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

func TestParseSHA256(t *testing.T) {
	t.Parallel()

	valid := "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f"

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "lowercase", input: valid, want: valid},
		{name: "uppercase normalized", input: strings.ToUpper(valid), want: valid},
		{name: "whitespace trimmed", input: "  " + valid + "\n", want: valid},
		{name: "empty", input: "", wantErr: true},
		{name: "md5 length", input: "44d88612fea8a8f36de82e1278abb02f", wantErr: true},
		{name: "non-hex", input: valid[:63] + "g", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := types.ParseSHA256(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSHA256() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, types.ErrInvalidHash) {
					t.Errorf("ParseSHA256() error = %v, want ErrInvalidHash", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseSHA256() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTruncateHash(t *testing.T) {
	t.Parallel()

	hash := "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f"
	if got := types.TruncateHash(hash); got != "275a021b...f651fd0f" {
		t.Errorf("TruncateHash() = %v", got)
	}
	if got := types.TruncateHash("abc"); got != "abc" {
		t.Errorf("TruncateHash(short) = %v, want abc", got)
	}
}

func TestIsSHA256(t *testing.T) {
	t.Parallel()

	if !types.IsSHA256(strings.Repeat("ab", 32)) {
		t.Error("IsSHA256(64 hex chars) = false, want true")
	}
	if types.IsSHA256("home/lib.so") {
		t.Error("IsSHA256(path) = true, want false")
	}
}
