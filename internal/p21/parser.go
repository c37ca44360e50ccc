package p21

import (
	"io"
	"strconv"
)

// Parser reads one exchange structure with a single token of lookahead.
// The first error ends the parse.
type Parser struct {
	lx      *Lexer
	monitor ActivityMonitor
	es      *ExchangeStructure

	anchorSeen    bool
	referenceSeen bool
	dataStarted   bool
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithParserMonitor reports section starts to m.
func WithParserMonitor(m ActivityMonitor) ParserOption {
	return func(p *Parser) {
		if m != nil {
			p.monitor = m
		}
	}
}

// NewParser returns a parser reading r.
func NewParser(r io.Reader, opts ...ParserOption) *Parser {
	p := &Parser{lx: NewLexer(NewCharacterStream(r)), monitor: NoopActivityMonitor{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseExchangeStructure parses the whole input.
func (p *Parser) ParseExchangeStructure() (*ExchangeStructure, error) {
	p.es = newExchangeStructure()
	if err := p.expect(TokenStart, "exchange structure"); err != nil {
		return nil, err
	}
	if err := p.expect(TokenSemicolon, "exchange structure"); err != nil {
		return nil, err
	}
	if err := p.header(); err != nil {
		return nil, withContext(err, p.lx.Line(), "HEADER section")
	}
	for {
		tok, err := p.lx.Next()
		if err != nil {
			return nil, err
		}
		switch {
		case tok.Kind == TokenEnd:
			if err := p.expect(TokenSemicolon, tok.Text); err != nil {
				return nil, err
			}
			if err := p.expect(TokenEOF, "after "+tok.Text); err != nil {
				return nil, err
			}
			return p.es, nil
		case tok.Kind == TokenKeyword && tok.Text == "ANCHOR":
			if err := p.anchorSection(tok); err != nil {
				return nil, withContext(err, tok.Line, "ANCHOR section")
			}
		case tok.Kind == TokenKeyword && tok.Text == "REFERENCE":
			if err := p.referenceSection(tok); err != nil {
				return nil, withContext(err, tok.Line, "REFERENCE section")
			}
		case tok.Kind == TokenKeyword && tok.Text == "DATA":
			index := len(p.es.DataSections)
			if err := p.dataSection(tok); err != nil {
				return nil, withContext(err, tok.Line, "DATA section %d", index+1)
			}
		default:
			return nil, newError(tok.Line, "expected a section or END-ISO-10303-21, found %s", tok)
		}
	}
}

func (p *Parser) expect(kind TokenKind, where string) error {
	tok, err := p.lx.Next()
	if err != nil {
		return err
	}
	if tok.Kind != kind {
		return newError(tok.Line, "%s: expected %s, found %s", where, kind, tok)
	}
	return nil
}

func (p *Parser) expectKeyword(word string) (Token, error) {
	tok, err := p.lx.Next()
	if err != nil {
		return tok, err
	}
	if tok.Kind != TokenKeyword || tok.Text != word {
		return tok, newError(tok.Line, "expected %s, found %s", word, tok)
	}
	return tok, nil
}

func (p *Parser) header() error {
	p.monitor.PhaseStarted(PhaseHeader, "")
	if _, err := p.expectKeyword("HEADER"); err != nil {
		return err
	}
	if err := p.expect(TokenSemicolon, "HEADER"); err != nil {
		return err
	}
	h := &p.es.Header
	for _, want := range []string{"FILE_DESCRIPTION", "FILE_NAME", "FILE_SCHEMA"} {
		tok, err := p.expectKeyword(want)
		if err != nil {
			return err
		}
		rec, err := p.simpleRecord(tok)
		if err != nil {
			return withContext(err, tok.Line, "%s", want)
		}
		if err := p.expect(TokenSemicolon, want); err != nil {
			return err
		}
		if err := h.apply(rec, tok.Line); err != nil {
			return err
		}
	}
	for {
		tok, err := p.lx.Next()
		if err != nil {
			return err
		}
		if tok.Kind == TokenKeyword && tok.Text == "ENDSEC" {
			return p.expect(TokenSemicolon, "ENDSEC")
		}
		if tok.Kind != TokenKeyword && tok.Kind != TokenUserKeyword {
			return newError(tok.Line, "expected a header entity or ENDSEC, found %s", tok)
		}
		rec, err := p.simpleRecord(tok)
		if err != nil {
			return withContext(err, tok.Line, "%s", tok.Text)
		}
		if err := p.expect(TokenSemicolon, tok.Text); err != nil {
			return err
		}
		h.Extra = append(h.Extra, rec)
	}
}

func (p *Parser) anchorSection(start Token) error {
	if p.dataStarted {
		return newError(start.Line, "ANCHOR section after a DATA section")
	}
	if p.anchorSeen {
		return newError(start.Line, "second ANCHOR section")
	}
	p.anchorSeen = true
	p.monitor.PhaseStarted(PhaseAnchor, "")
	if err := p.expect(TokenSemicolon, "ANCHOR"); err != nil {
		return err
	}
	for {
		tok, err := p.lx.Next()
		if err != nil {
			return err
		}
		if tok.Kind == TokenKeyword && tok.Text == "ENDSEC" {
			return p.expect(TokenSemicolon, "ENDSEC")
		}
		if tok.Kind != TokenResource {
			return newError(tok.Line, "expected an anchor name, found %s", tok)
		}
		a := Anchor{Name: tok.Text}
		if err := p.expect(TokenEquals, "anchor <"+a.Name+">"); err != nil {
			return err
		}
		item, err := p.nextParameter(true)
		if err != nil {
			return withContext(err, tok.Line, "anchor <%s>", a.Name)
		}
		a.Item = item
		for {
			t, err := p.lx.Next()
			if err != nil {
				return err
			}
			if t.Kind == TokenSemicolon {
				break
			}
			if t.Kind != TokenLBrace {
				return newError(t.Line, "anchor <%s>: expected '{' or ';', found %s", a.Name, t)
			}
			if err := p.anchorTag(&a); err != nil {
				return withContext(err, t.Line, "anchor <%s>", a.Name)
			}
		}
		p.es.Anchors = append(p.es.Anchors, a)
	}
}

func (p *Parser) anchorTag(a *Anchor) error {
	tag, err := p.lx.Next()
	if err != nil {
		return err
	}
	if tag.Kind != TokenKeyword {
		return newError(tag.Line, "expected a tag name, found %s", tag)
	}
	if err := p.expect(TokenColon, "tag "+tag.Text); err != nil {
		return err
	}
	item, err := p.nextParameter(true)
	if err != nil {
		return err
	}
	if err := p.expect(TokenRBrace, "tag "+tag.Text); err != nil {
		return err
	}
	if a.Tags == nil {
		a.Tags = make(map[string]Parameter)
	}
	a.Tags[tag.Text] = item
	return nil
}

func (p *Parser) referenceSection(start Token) error {
	if p.dataStarted {
		return newError(start.Line, "REFERENCE section after a DATA section")
	}
	if p.referenceSeen {
		return newError(start.Line, "second REFERENCE section")
	}
	p.referenceSeen = true
	p.monitor.PhaseStarted(PhaseReference, "")
	if err := p.expect(TokenSemicolon, "REFERENCE"); err != nil {
		return err
	}
	for {
		tok, err := p.lx.Next()
		if err != nil {
			return err
		}
		if tok.Kind == TokenKeyword && tok.Text == "ENDSEC" {
			return p.expect(TokenSemicolon, "ENDSEC")
		}
		var name InstanceName
		switch tok.Kind {
		case TokenEntityName:
			name = EntityName(tok.Int)
		case TokenValueName:
			name = InstanceName{Kind: ValueInstance, Number: tok.Int}
		default:
			return newError(tok.Line, "expected an instance name, found %s", tok)
		}
		if err := p.expect(TokenEquals, name.String()); err != nil {
			return err
		}
		res, err := p.lx.Next()
		if err != nil {
			return err
		}
		if res.Kind != TokenResource {
			return newError(res.Line, "%s: expected a resource, found %s", name, res)
		}
		if err := p.expect(TokenSemicolon, name.String()); err != nil {
			return err
		}
		if err := p.es.RegisterReference(Reference{Name: name, Resource: res.Text}, tok.Line); err != nil {
			return err
		}
	}
}

func (p *Parser) dataSection(start Token) error {
	p.dataStarted = true
	section := &DataSection{Index: len(p.es.DataSections), Line: start.Line}
	p.monitor.PhaseStarted(PhaseData, strconv.Itoa(section.Index+1))
	tok, err := p.lx.Next()
	if err != nil {
		return err
	}
	switch tok.Kind {
	case TokenLParen:
		params, err := p.parameterList(false)
		if err != nil {
			return err
		}
		if err := p.expect(TokenSemicolon, "DATA"); err != nil {
			return err
		}
		if err := section.applyParams(params, start.Line); err != nil {
			return err
		}
	case TokenSemicolon:
		if n := len(p.es.Header.Schemas); n != 1 {
			return newError(start.Line, "DATA section without parameters needs exactly one schema in FILE_SCHEMA, found %d", n)
		}
		section.Schema = schemaKey(p.es.Header.Schemas[0])
	default:
		return newError(tok.Line, "DATA: expected '(' or ';', found %s", tok)
	}
	p.es.DataSections = append(p.es.DataSections, section)
	for {
		tok, err := p.lx.Next()
		if err != nil {
			return err
		}
		if tok.Kind == TokenKeyword && tok.Text == "ENDSEC" {
			return p.expect(TokenSemicolon, "ENDSEC")
		}
		if tok.Kind != TokenEntityName {
			return newError(tok.Line, "expected an entity instance name or ENDSEC, found %s", tok)
		}
		rec, err := p.entityInstance(tok)
		if err != nil {
			return withContext(err, tok.Line, "entity instance %s", EntityName(tok.Int))
		}
		rec.Section = section
		if err := p.es.RegisterEntityInstance(rec); err != nil {
			return err
		}
		section.Instances = append(section.Instances, rec)
	}
}

func (p *Parser) entityInstance(nameTok Token) (*EntityInstanceRecord, error) {
	rec := &EntityInstanceRecord{Name: EntityName(nameTok.Int), Line: nameTok.Line}
	if err := p.expect(TokenEquals, rec.Name.String()); err != nil {
		return nil, err
	}
	tok, err := p.lx.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Kind {
	case TokenKeyword, TokenUserKeyword:
		r, err := p.simpleRecord(tok)
		if err != nil {
			return nil, err
		}
		rec.Records = []SimpleRecord{r}
	case TokenLParen:
		rec.Complex = true
		for {
			t, err := p.lx.Next()
			if err != nil {
				return nil, err
			}
			if t.Kind == TokenRParen {
				break
			}
			if t.Kind != TokenKeyword && t.Kind != TokenUserKeyword {
				return nil, newError(t.Line, "expected a partial entity record, found %s", t)
			}
			r, err := p.simpleRecord(t)
			if err != nil {
				return nil, err
			}
			rec.Records = append(rec.Records, r)
		}
		if len(rec.Records) == 0 {
			return nil, newError(tok.Line, "complex instance without records")
		}
	default:
		return nil, newError(tok.Line, "expected a record, found %s", tok)
	}
	if err := p.expect(TokenSemicolon, rec.Name.String()); err != nil {
		return nil, err
	}
	return rec, nil
}

// simpleRecord parses the parameter list following keyword.
func (p *Parser) simpleRecord(keyword Token) (SimpleRecord, error) {
	rec := SimpleRecord{Keyword: keyword.Text, UserDefined: keyword.Kind == TokenUserKeyword}
	if err := p.expect(TokenLParen, keyword.Text); err != nil {
		return rec, err
	}
	params, err := p.parameterList(false)
	if err != nil {
		return rec, withContext(err, keyword.Line, "%s", keyword.Text)
	}
	rec.Params = params
	return rec, nil
}

// parameterList reads parameters up to the closing parenthesis, which has
// not been consumed yet. The opening one has.
func (p *Parser) parameterList(resources bool) ([]Parameter, error) {
	var out []Parameter
	tok, err := p.lx.Next()
	if err != nil {
		return nil, err
	}
	if tok.Kind == TokenRParen {
		return out, nil
	}
	p.lx.Unread(tok)
	for {
		param, err := p.nextParameter(resources)
		if err != nil {
			return nil, withContext(err, p.lx.Line(), "parameter %d", len(out)+1)
		}
		out = append(out, param)
		sep, err := p.lx.Next()
		if err != nil {
			return nil, err
		}
		switch sep.Kind {
		case TokenComma:
		case TokenRParen:
			return out, nil
		default:
			return nil, newError(sep.Line, "expected ',' or ')', found %s", sep)
		}
	}
}

func (p *Parser) nextParameter(resources bool) (Parameter, error) {
	tok, err := p.lx.Next()
	if err != nil {
		return nil, err
	}
	switch tok.Kind {
	case TokenInteger:
		return IntegerParam(tok.Int), nil
	case TokenReal:
		return RealParam(tok.Real), nil
	case TokenString:
		return StringParam(tok.Text), nil
	case TokenBinary:
		return BinaryParam(tok.Text), nil
	case TokenEnumeration:
		return EnumParam(tok.Text), nil
	case TokenEntityName:
		return RefParam(EntityName(tok.Int)), nil
	case TokenValueName:
		return RefParam{Kind: ValueInstance, Number: tok.Int}, nil
	case TokenEntityConstant:
		return RefParam{Kind: EntityConstant, Constant: tok.Text}, nil
	case TokenValueConstant:
		return RefParam{Kind: ValueConstant, Constant: tok.Text}, nil
	case TokenDollar:
		return NullParam{}, nil
	case TokenAsterisk:
		return OmittedParam{}, nil
	case TokenLParen:
		list, err := p.parameterList(resources)
		if err != nil {
			return nil, err
		}
		return ListParam(list), nil
	case TokenKeyword, TokenUserKeyword:
		if err := p.expect(TokenLParen, "typed parameter "+tok.Text); err != nil {
			return nil, err
		}
		inner, err := p.nextParameter(resources)
		if err != nil {
			return nil, withContext(err, tok.Line, "typed parameter %s", tok.Text)
		}
		if err := p.expect(TokenRParen, "typed parameter "+tok.Text); err != nil {
			return nil, err
		}
		return TypedParam{Keyword: tok.Text, Param: inner}, nil
	case TokenResource:
		if resources {
			return ResourceParam(tok.Text), nil
		}
	}
	return nil, newError(tok.Line, "expected a parameter, found %s", tok)
}

// apply fills the header fields from a mandatory header entity.
func (h *Header) apply(rec SimpleRecord, line int) error {
	want := map[string]int{"FILE_DESCRIPTION": 2, "FILE_NAME": 7, "FILE_SCHEMA": 1}[rec.Keyword]
	if len(rec.Params) != want {
		return newError(line, "%s expects %d parameters, found %d", rec.Keyword, want, len(rec.Params))
	}
	var err error
	field := func(i int) string {
		s, e := stringParam(rec.Params[i])
		if e != nil && err == nil {
			err = newError(line, "%s parameter %d: %v", rec.Keyword, i+1, e)
		}
		return s
	}
	list := func(i int) []string {
		s, e := stringListParam(rec.Params[i])
		if e != nil && err == nil {
			err = newError(line, "%s parameter %d: %v", rec.Keyword, i+1, e)
		}
		return s
	}
	switch rec.Keyword {
	case "FILE_DESCRIPTION":
		h.Description = list(0)
		h.ImplementationLevel = field(1)
	case "FILE_NAME":
		h.Name = field(0)
		h.TimeStamp = field(1)
		h.Author = list(2)
		h.Organization = list(3)
		h.PreprocessorVersion = field(4)
		h.OriginatingSystem = field(5)
		h.Authorization = field(6)
	case "FILE_SCHEMA":
		h.Schemas = list(0)
	}
	return err
}

// applyParams reads DATA('name', ('SCHEMA')).
func (d *DataSection) applyParams(params []Parameter, line int) error {
	d.Params = params
	if len(params) != 2 {
		return newError(line, "DATA parameters must be a section name and a schema list, found %d parameters", len(params))
	}
	name, err := stringParam(params[0])
	if err != nil {
		return newError(line, "DATA section name: %v", err)
	}
	schemas, err := stringListParam(params[1])
	if err != nil {
		return newError(line, "DATA schema list: %v", err)
	}
	if len(schemas) != 1 {
		return newError(line, "DATA section must name exactly one schema, found %d", len(schemas))
	}
	d.Name = name
	d.Schema = schemaKey(schemas[0])
	return nil
}
