package retriever

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	fromHeader := func(v string) []imap.SearchCriteriaHeaderField {
		return []imap.SearchCriteriaHeaderField{{Key: "FROM", Value: v}}
	}

	tests := []struct {
		filterExpr     string
		expectedOutput *imap.SearchCriteria
	}{
		{
			filterExpr:     "SEEN",
			expectedOutput: &imap.SearchCriteria{Flag: []imap.Flag{imap.FlagSeen}},
		},
		{
			filterExpr:     "unseen",
			expectedOutput: &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}},
		},
		{
			filterExpr:     "!SEEN",
			expectedOutput: &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}},
		},
		{
			filterExpr:     "FROM == 'test@test.com'",
			expectedOutput: &imap.SearchCriteria{Header: fromHeader("test@test.com")},
		},
		{
			filterExpr: `FROM != "test@test.com"`,
			expectedOutput: &imap.SearchCriteria{
				Not: []imap.SearchCriteria{{Header: fromHeader("test@test.com")}},
			},
		},
		{
			filterExpr:     "BODY == 'photo'",
			expectedOutput: &imap.SearchCriteria{Body: []string{"photo"}},
		},
		{
			filterExpr: "!JUNK || FROM == 'very.important@contact.com'",
			expectedOutput: &imap.SearchCriteria{
				Or: [][2]imap.SearchCriteria{{
					{NotFlag: []imap.Flag{imap.FlagJunk}},
					{Header: fromHeader("very.important@contact.com")},
				}},
			},
		},
		{
			filterExpr: "!(!JUNK || FROM == 'very.important@contact.com')",
			expectedOutput: &imap.SearchCriteria{
				Not: []imap.SearchCriteria{{
					Or: [][2]imap.SearchCriteria{{
						{NotFlag: []imap.Flag{imap.FlagJunk}},
						{Header: fromHeader("very.important@contact.com")},
					}},
				}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.filterExpr, func(t *testing.T) {
			actual, err := ParseFilter(tt.filterExpr)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedOutput, actual, "failed to parse %q", tt.filterExpr)
		})
	}
}

func TestParseFilterAnd(t *testing.T) {
	actual, err := ParseFilter("FROM == 'test@test.com' && SEEN && SUBJECT == 'blog'")
	require.NoError(t, err)

	assert.Equal(t, []imap.SearchCriteriaHeaderField{
		{Key: "FROM", Value: "test@test.com"},
		{Key: "SUBJECT", Value: "blog"},
	}, actual.Header)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, actual.Flag)
}

func TestParseFilterPrecedence(t *testing.T) {
	actual, err := ParseFilter("SEEN || FLAGGED && ANSWERED")
	require.NoError(t, err)

	require.Len(t, actual.Or, 1)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, actual.Or[0][0].Flag)
	assert.Equal(t, []imap.Flag{imap.FlagFlagged, imap.FlagAnswered}, actual.Or[0][1].Flag)
}

func TestParseFilterErrors(t *testing.T) {
	tests := []string{
		"",
		"FROM",
		"FROM = 'x'",
		"FROM == x",
		"FROM == 'x",
		"(SEEN",
		"SEEN)",
		"SEEN | FLAGGED",
		"SEEN &&",
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseFilter(expr)
			assert.Error(t, err)
		})
	}
}
