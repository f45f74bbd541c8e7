package notionsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/jomei/notionapi"
)

func TestNotionError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limited", &notionapi.Error{Status: 429, Code: "rate_limited"}, true},
		{"server error", fmt.Errorf("query: %w", &notionapi.Error{Status: 502}), true},
		{"validation", &notionapi.Error{Status: 400, Code: "validation_error"}, false},
		{"transport", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := notionError("QueryDatabase", tt.err)
			if domain.IsRetryable(got) != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", got, !tt.retryable, tt.retryable)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("notionError lost the cause %v", tt.err)
			}
		})
	}
}
