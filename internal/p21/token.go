package p21

import (
	"fmt"
	"strconv"
)

// TokenKind classifies exchange tokens.
type TokenKind uint8

// Token kinds.
const (
	TokenEOF TokenKind = iota
	TokenStart          // ISO-10303-21
	TokenEnd            // END-ISO-10303-21
	TokenKeyword        // standard keyword
	TokenUserKeyword    // !NAME
	TokenEntityName     // #12
	TokenValueName      // @12
	TokenEntityConstant // #NAME
	TokenValueConstant  // @NAME
	TokenInteger
	TokenReal
	TokenString
	TokenEnumeration
	TokenBinary
	TokenResource // <uri>
	TokenLParen
	TokenRParen
	TokenComma
	TokenSemicolon
	TokenEquals
	TokenAsterisk
	TokenDollar
	TokenColon
	TokenLBrace
	TokenRBrace
)

var tokenKindNames = [...]string{
	TokenEOF:            "end of input",
	TokenStart:          "ISO-10303-21",
	TokenEnd:            "END-ISO-10303-21",
	TokenKeyword:        "keyword",
	TokenUserKeyword:    "user-defined keyword",
	TokenEntityName:     "entity instance name",
	TokenValueName:      "value instance name",
	TokenEntityConstant: "constant entity name",
	TokenValueConstant:  "constant value name",
	TokenInteger:        "integer",
	TokenReal:           "real",
	TokenString:         "string",
	TokenEnumeration:    "enumeration",
	TokenBinary:         "binary",
	TokenResource:       "resource",
	TokenLParen:         "'('",
	TokenRParen:         "')'",
	TokenComma:          "','",
	TokenSemicolon:      "';'",
	TokenEquals:         "'='",
	TokenAsterisk:       "'*'",
	TokenDollar:         "'$'",
	TokenColon:          "':'",
	TokenLBrace:         "'{'",
	TokenRBrace:         "'}'",
}

func (k TokenKind) String() string {
	if int(k) < len(tokenKindNames) {
		return tokenKindNames[k]
	}
	return "token(" + strconv.Itoa(int(k)) + ")"
}

// Token is one lexical unit. Text holds the keyword, constant name,
// decoded string, enumeration item, binary digits or resource; Int and Real
// hold numeric literals and instance numbers.
type Token struct {
	Kind TokenKind
	Text string
	Int  int64
	Real float64
	Line int
}

func (t Token) String() string {
	switch t.Kind {
	case TokenKeyword, TokenStart, TokenEnd:
		return t.Text
	case TokenUserKeyword:
		return "!" + t.Text
	case TokenEntityName:
		return "#" + strconv.FormatInt(t.Int, 10)
	case TokenValueName:
		return "@" + strconv.FormatInt(t.Int, 10)
	case TokenEntityConstant:
		return "#" + t.Text
	case TokenValueConstant:
		return "@" + t.Text
	case TokenInteger:
		return strconv.FormatInt(t.Int, 10)
	case TokenReal:
		return strconv.FormatFloat(t.Real, 'G', -1, 64)
	case TokenString:
		return fmt.Sprintf("%q", t.Text)
	case TokenEnumeration:
		return "." + t.Text + "."
	case TokenBinary:
		return `"` + t.Text + `"`
	case TokenResource:
		return "<" + t.Text + ">"
	}
	return t.Kind.String()
}
