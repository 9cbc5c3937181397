package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"wrapped transient", fmt.Errorf("fetch page: %w", ErrTransientNetwork), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", fmt.Errorf("query: %w", context.Canceled), KindCanceled},
		{"schema", fmt.Errorf("snapshot v3: %w", ErrSchemaMismatch), KindSchema},
		{"quota", ErrQuotaExceeded, KindQuota},
		{"stale", ErrStaleResult, KindStale},
		{"not found", fmt.Errorf("member bob: %w", ErrNotFound), KindNotFound},
		{"other", errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSilent(t *testing.T) {
	assert.True(t, Silent(ErrStaleResult))
	assert.True(t, Silent(context.Canceled))
	assert.False(t, Silent(ErrNotFound))
	assert.False(t, Silent(nil))
}
