package domain

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		wantLen int
	}{
		{"short", "exit status 1", 13},
		{"exact", strings.Repeat("a", MaxErrorMessageLength), MaxErrorMessageLength},
		{"long", strings.Repeat("a", MaxErrorMessageLength+500), MaxErrorMessageLength},
		{"multibyte boundary", strings.Repeat("a", MaxErrorMessageLength-1) + "ü tail", MaxErrorMessageLength - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateError(tt.msg)
			assert.Len(t, got, tt.wantLen)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
