package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-link/mochi/internal/model"
)

func TestParseBindingType(t *testing.T) {
	for _, s := range []string{"chat", "event", "command", "monitoring", "full", "Chat"} {
		_, err := model.ParseBindingType(s)
		assert.NoError(t, err, "expected valid binding type: %q", s)
	}
	_, err := model.ParseBindingType("voice")
	require.Error(t, err)
}

func TestValidateFilterRule(t *testing.T) {
	valid := []model.FilterRule{
		{Type: "regex", Action: "block", Pattern: `\bbadword\b`},
		{Type: "keyword", Action: "transform", Pattern: "heck", Replacement: "***"},
		{Type: "user", Action: "allow", Pattern: "Steve"},
		{Type: "length", Action: "block", MaxLength: 256},
	}
	for i, r := range valid {
		assert.NoError(t, model.ValidateFilterRule(r), "rule %d should be valid", i)
	}

	tests := []struct {
		name string
		rule model.FilterRule
		want string
	}{
		{"unknown type", model.FilterRule{Type: "ai", Action: "block", Pattern: "x"}, "filter rule type"},
		{"unknown action", model.FilterRule{Type: "regex", Action: "drop", Pattern: "x"}, "filter rule action"},
		{"length without max", model.FilterRule{Type: "length", Action: "block"}, "positive maxLength"},
		{"regex without pattern", model.FilterRule{Type: "regex", Action: "block"}, "requires a pattern"},
		{"keyword without pattern", model.FilterRule{Type: "keyword", Action: "allow"}, "requires a pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateFilterRule(tt.rule)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
