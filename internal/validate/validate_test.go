package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"elfcore/internal/qerr"
)

func TestDomain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"simple", "auth", "auth", false},
		{"trimmed", "  auth  ", "auth", false},
		{"dots and dashes", "infra.k8s-prod_2", "infra.k8s-prod_2", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"spaces inside", "two words", "", true},
		{"sql metachars", "auth'; DROP TABLE", "", true},
		{"too long", strings.Repeat("a", 101), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Domain(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTags(t *testing.T) {
	got, err := Tags([]string{" git ", "flaky-test"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"git", "flaky-test"}, got)

	_, err = Tags(nil)
	assert.Error(t, err)

	_, err = Tags([]string{strings.Repeat("x", 51)})
	assert.Error(t, err)

	many := make([]string, 51)
	for i := range many {
		many[i] = "t"
	}
	_, err = Tags(many)
	assert.Error(t, err)
}

func TestQueryLimitTokens(t *testing.T) {
	q, err := Query("  how do I fix this  ")
	assert.NoError(t, err)
	assert.Equal(t, "how do I fix this", q)

	_, err = Query("")
	assert.Error(t, err)
	_, err = Query(strings.Repeat("q", 10001))
	assert.Error(t, err)

	n, err := Limit(1000)
	assert.NoError(t, err)
	assert.Equal(t, 1000, n)
	_, err = Limit(0)
	assert.Error(t, err)
	_, err = Limit(1001)
	assert.Error(t, err)

	_, err = MaxTokens(50000)
	assert.NoError(t, err)
	_, err = MaxTokens(50001)
	assert.Error(t, err)
}
