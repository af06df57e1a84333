package retriever

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/emersion/go-imap/v2"
)

/*
	Filter syntax

	Expression:
		Term || Expression
		Term

	Term:
		Primary && Term
		Primary

	Primary:
		FlagToken
		HeaderToken == String
		HeaderToken != String
		MsgToken == String
		MsgToken != String
		!Primary
		( Expression )

	Flag tokens prefixed with UN match messages without the flag.
*/

// ParseFilter turns a filter expression into IMAP search criteria.
func ParseFilter(filterExpr string) (*imap.SearchCriteria, error) {
	p := &filterParser{src: []rune(filterExpr)}

	criteria, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if !p.eof() {
		return nil, fmt.Errorf("unexpected '%c' at position %d", p.peek(), p.pos)
	}

	return criteria, nil
}

type filterParser struct {
	src []rune
	pos int
}

func (p *filterParser) parseExpression() (*imap.SearchCriteria, error) {
	criteria, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if p.peek() != '|' {
		return criteria, nil
	}
	if err = p.expectOp('|'); err != nil {
		return nil, err
	}

	rest, err := p.parseExpression()
	if err != nil {
		return nil, err
	}

	return addOrCriteria(criteria, rest), nil
}

func (p *filterParser) parseTerm() (*imap.SearchCriteria, error) {
	criteria, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if p.peek() != '&' {
		return criteria, nil
	}
	if err = p.expectOp('&'); err != nil {
		return nil, err
	}

	rest, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	return addAndCriteria(criteria, rest), nil
}

func (p *filterParser) parsePrimary() (*imap.SearchCriteria, error) {
	p.skipSpace()

	switch c := p.peek(); {
	case p.eof():
		return nil, errors.New("unexpected end of filter expression")

	case c == '!':
		p.pos++
		criteria, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return addNotCriteria(criteria), nil

	case c == '(':
		p.pos++
		criteria, err := p.parseExpression()
		if err != nil {
			return nil, err
		}

		p.skipSpace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return criteria, nil
	}

	token := strings.ToUpper(p.parseToken())
	if token == "" {
		return nil, fmt.Errorf("unexpected '%c' at position %d", p.peek(), p.pos)
	}

	if _, ok := flagTokens[token]; ok {
		return assignFlag(&imap.SearchCriteria{}, token), nil
	}

	p.skipSpace()
	negate, err := p.parseCmpOp()
	if err != nil {
		return nil, fmt.Errorf("after %q: %w", token, err)
	}

	value, err := p.parseQuotedToken()
	if err != nil {
		return nil, err
	}

	criteria := addEqCmpCriteria(&imap.SearchCriteria{}, token, value)
	if negate {
		criteria = addNotCriteria(criteria)
	}
	return criteria, nil
}

func (p *filterParser) parseToken() string {
	start := p.pos
	for !p.eof() {
		c := p.peek()
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-' {
			break
		}
		p.pos++
	}

	return string(p.src[start:p.pos])
}

func (p *filterParser) parseQuotedToken() (string, error) {
	p.skipSpace()

	quote := p.peek()
	if quote != '\'' && quote != '"' {
		return "", fmt.Errorf("expected starting quote at position %d", p.pos)
	}
	p.pos++

	start := p.pos
	for !p.eof() {
		if p.peek() == quote {
			value := string(p.src[start:p.pos])
			p.pos++
			return value, nil
		}
		p.pos++
	}

	return "", errors.New("missing closing quote")
}

// parseCmpOp consumes == or != and reports whether it was a negation.
func (p *filterParser) parseCmpOp() (bool, error) {
	if p.pos+1 >= len(p.src) || p.src[p.pos+1] != '=' {
		return false, fmt.Errorf("expected comparison at position %d", p.pos)
	}

	switch p.src[p.pos] {
	case '=':
		p.pos += 2
		return false, nil
	case '!':
		p.pos += 2
		return true, nil
	default:
		return false, fmt.Errorf("unexpected '%c' at position %d", p.src[p.pos], p.pos)
	}
}

func (p *filterParser) expectOp(opChar rune) error {
	if p.pos+1 >= len(p.src) || p.src[p.pos] != opChar || p.src[p.pos+1] != opChar {
		return fmt.Errorf("expected '%c%c' at position %d", opChar, opChar, p.pos)
	}

	p.pos += 2
	return nil
}

func (p *filterParser) skipSpace() {
	for !p.eof() && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *filterParser) peek() rune {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *filterParser) eof() bool {
	return p.pos >= len(p.src)
}

var flagTokens = map[string]imap.Flag{
	"JUNK":       imap.FlagJunk,
	"SEEN":       imap.FlagSeen,
	"UNSEEN":     imap.FlagSeen,
	"DRAFT":      imap.FlagDraft,
	"UNDRAFT":    imap.FlagDraft,
	"DELETED":    imap.FlagDeleted,
	"UNDELETED":  imap.FlagDeleted,
	"FLAGGED":    imap.FlagFlagged,
	"UNFLAGGED":  imap.FlagFlagged,
	"PHISHING":   imap.FlagPhishing,
	"FORWARDED":  imap.FlagForwarded,
	"IMPORTANT":  imap.FlagImportant,
	"ANSWERED":   imap.FlagAnswered,
	"UNANSWERED": imap.FlagAnswered,
}

var msgTokens = map[string]struct{}{
	"TEXT": {},
	"BODY": {},
}

func addEqCmpCriteria(c *imap.SearchCriteria, k, v string) *imap.SearchCriteria {
	if _, ok := msgTokens[k]; ok {
		if k == "BODY" {
			c.Body = append(c.Body, v)
		} else {
			c.Text = append(c.Text, v)
		}
		return c
	}

	c.Header = append(c.Header, imap.SearchCriteriaHeaderField{
		Key:   k,
		Value: v,
	})
	return c
}

func addAndCriteria(c1, c2 *imap.SearchCriteria) *imap.SearchCriteria {
	c1.And(c2)
	return c1
}

func addOrCriteria(c1, c2 *imap.SearchCriteria) *imap.SearchCriteria {
	return &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{{*c1, *c2}},
	}
}

// addNotCriteria negates c. A criteria made of flags alone is negated by
// swapping Flag and NotFlag.
func addNotCriteria(c *imap.SearchCriteria) *imap.SearchCriteria {
	if onlyFlags(c) {
		return &imap.SearchCriteria{Flag: c.NotFlag, NotFlag: c.Flag}
	}

	return &imap.SearchCriteria{
		Not: []imap.SearchCriteria{*c},
	}
}

func onlyFlags(c *imap.SearchCriteria) bool {
	flags := len(c.Flag) + len(c.NotFlag)
	return flags == 1 && len(c.Header) == 0 && len(c.Body) == 0 && len(c.Text) == 0 &&
		len(c.Not) == 0 && len(c.Or) == 0
}

func assignFlag(c *imap.SearchCriteria, flagToken string) *imap.SearchCriteria {
	flag := flagTokens[flagToken]

	if strings.HasPrefix(flagToken, "UN") {
		c.NotFlag = append(c.NotFlag, flag)
		return c
	}

	c.Flag = append(c.Flag, flag)
	return c
}
