package validator

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type TokenKind int

const (
	TokenWord TokenKind = iota
	TokenQuotedIdent
	TokenString
	TokenNumber
	TokenComment
	TokenPunct
	TokenOperator
)

func (k TokenKind) String() string {
	switch k {
	case TokenWord:
		return "word"
	case TokenQuotedIdent:
		return "quoted-identifier"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenComment:
		return "comment"
	case TokenPunct:
		return "punct"
	case TokenOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// Token is a lexeme of a SQL statement. Start and End are byte offsets into
// the source. Depth is the parenthesis depth the token sits at; an opening
// parenthesis and its matching close share the depth outside them. Parent is
// the index of the innermost enclosing "(" token, or -1 at the top level.
type Token struct {
	Kind   TokenKind
	Text   string
	Start  int
	End    int
	Depth  int
	Parent int
}

// Upper returns the keyword form of a word token.
func (t Token) Upper() string {
	if t.Kind != TokenWord {
		return ""
	}
	return strings.ToUpper(t.Text)
}

// Ident returns the identifier a word or quoted identifier names, lowercased.
func (t Token) Ident() string {
	switch t.Kind {
	case TokenWord:
		return strings.ToLower(t.Text)
	case TokenQuotedIdent:
		inner := t.Text[1 : len(t.Text)-1]
		q := t.Text[:1]
		return strings.ToLower(strings.ReplaceAll(inner, q+q, q))
	default:
		return ""
	}
}

func (t Token) IsIdent() bool { return t.Kind == TokenWord || t.Kind == TokenQuotedIdent }

func (t Token) Is(punct string) bool {
	return (t.Kind == TokenPunct || t.Kind == TokenOperator) && t.Text == punct
}

var (
	ErrUnterminated = errors.New("unterminated literal or comment")
	ErrUnbalanced   = errors.New("unbalanced parentheses")
)

type LexOptions struct {
	// BackslashEscapes makes a backslash escape the next character inside
	// single-quoted strings, as ClickHouse and MySQL do.
	BackslashEscapes bool
}

// Lex splits sql into tokens. Whitespace is dropped; comments are kept as
// tokens so callers can locate them.
func Lex(sql string, opts LexOptions) ([]Token, error) {
	l := &lexer{src: sql, opts: opts}
	return l.run()
}

type lexer struct {
	src    string
	pos    int
	opts   LexOptions
	tokens []Token
	parens []int
}

func (l *lexer) run() ([]Token, error) {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		start := l.pos
		switch {
		case unicode.IsSpace(r):
			l.pos += size
		case r == '-' && l.peekAt(1) == '-':
			l.lineComment(start)
		case r == '/' && l.peekAt(1) == '*':
			if err := l.blockComment(start); err != nil {
				return nil, err
			}
		case r == '\'':
			if err := l.quoted(start, '\'', TokenString, l.opts.BackslashEscapes); err != nil {
				return nil, err
			}
		case r == '"' || r == '`':
			if err := l.quoted(start, byte(r), TokenQuotedIdent, false); err != nil {
				return nil, err
			}
		case r == '$' && l.dollarTag() != "":
			if err := l.dollarString(start); err != nil {
				return nil, err
			}
		case r >= '0' && r <= '9' || r == '.' && isDigit(l.peekAt(1)):
			l.number(start)
		case r == '_' || unicode.IsLetter(r):
			if err := l.word(start); err != nil {
				return nil, err
			}
		case r == '(':
			l.pos++
			l.emit(TokenPunct, start)
			l.parens = append(l.parens, len(l.tokens)-1)
		case r == ')':
			if len(l.parens) == 0 {
				return nil, ErrUnbalanced
			}
			l.parens = l.parens[:len(l.parens)-1]
			l.pos++
			l.emit(TokenPunct, start)
		case strings.ContainsRune(",;.[]{}", r):
			l.pos++
			l.emit(TokenPunct, start)
		default:
			l.operator(start)
		}
	}
	if len(l.parens) != 0 {
		return nil, ErrUnbalanced
	}
	return l.tokens, nil
}

func (l *lexer) emit(kind TokenKind, start int) {
	parent := -1
	if n := len(l.parens); n > 0 {
		parent = l.parens[n-1]
	}
	l.tokens = append(l.tokens, Token{
		Kind:   kind,
		Text:   l.src[start:l.pos],
		Start:  start,
		End:    l.pos,
		Depth:  len(l.parens),
		Parent: parent,
	})
}

func (l *lexer) peekAt(offset int) byte {
	if l.pos+offset < len(l.src) {
		return l.src[l.pos+offset]
	}
	return 0
}

func (l *lexer) lineComment(start int) {
	end := strings.IndexByte(l.src[l.pos:], '\n')
	if end < 0 {
		l.pos = len(l.src)
	} else {
		l.pos += end
	}
	l.emit(TokenComment, start)
}

// blockComment consumes a /* */ comment. Nested comments are honoured, as
// PostgreSQL does.
func (l *lexer) blockComment(start int) error {
	depth := 0
	for l.pos < len(l.src) {
		switch {
		case strings.HasPrefix(l.src[l.pos:], "/*"):
			depth++
			l.pos += 2
		case strings.HasPrefix(l.src[l.pos:], "*/"):
			depth--
			l.pos += 2
			if depth == 0 {
				l.emit(TokenComment, start)
				return nil
			}
		default:
			l.pos++
		}
	}
	return fmt.Errorf("%w: comment starting at offset %d", ErrUnterminated, start)
}

// quoted consumes a literal delimited by q, where a doubled q is an escaped q.
func (l *lexer) quoted(start int, q byte, kind TokenKind, backslash bool) error {
	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case backslash && c == '\\':
			l.pos += 2
		case c == q && l.peekAt(1) == q:
			l.pos += 2
		case c == q:
			l.pos++
			l.emit(kind, start)
			return nil
		default:
			l.pos++
		}
	}
	return fmt.Errorf("%w: literal starting at offset %d", ErrUnterminated, start)
}

// dollarTag returns the opening tag of a PostgreSQL dollar-quoted string at
// the current position, or "" when there is none. Positional parameters
// ($1) are not tags.
func (l *lexer) dollarTag() string {
	rest := l.src[l.pos+1:]
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c == '$':
			return l.src[l.pos : l.pos+i+2]
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case isDigit(c) && i > 0:
		default:
			return ""
		}
	}
	return ""
}

func (l *lexer) dollarString(start int) error {
	tag := l.dollarTag()
	l.pos += len(tag)
	end := strings.Index(l.src[l.pos:], tag)
	if end < 0 {
		return fmt.Errorf("%w: literal starting at offset %d", ErrUnterminated, start)
	}
	l.pos += end + len(tag)
	l.emit(TokenString, start)
	return nil
}

func (l *lexer) number(start int) {
	if l.src[l.pos] == '0' && (l.peekAt(1) == 'x' || l.peekAt(1) == 'X') {
		l.pos += 2
		for l.pos < len(l.src) && isHex(l.src[l.pos]) {
			l.pos++
		}
		l.emit(TokenNumber, start)
		return
	}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case isDigit(c) || c == '.' || c == '_':
			l.pos++
		case (c == 'e' || c == 'E') && (isDigit(l.peekAt(1)) || (l.peekAt(1) == '-' || l.peekAt(1) == '+') && isDigit(l.peekAt(2))):
			l.pos += 2
		default:
			l.emit(TokenNumber, start)
			return
		}
	}
	l.emit(TokenNumber, start)
}

// word consumes a keyword or bare identifier. A word immediately followed by
// a quote is a prefixed string literal (E'...', N'...', X'...').
func (l *lexer) word(start int) error {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if r != '_' && r != '$' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		l.pos += size
	}
	if l.pos < len(l.src) && l.src[l.pos] == '\'' && l.pos-start <= 2 {
		prefix := strings.ToUpper(l.src[start:l.pos])
		switch prefix {
		case "E":
			return l.quoted(start, '\'', TokenString, true)
		case "N", "X", "B":
			return l.quoted(start, '\'', TokenString, l.opts.BackslashEscapes)
		}
	}
	l.emit(TokenWord, start)
	return nil
}

func (l *lexer) operator(start int) {
	const multi = "<>=!|&:~^%*+-/#@?"
	l.pos++
	for l.pos < len(l.src) && strings.IndexByte(multi, l.src[l.pos]) >= 0 {
		// Stop before a comment opener.
		if strings.HasPrefix(l.src[l.pos:], "--") || strings.HasPrefix(l.src[l.pos:], "/*") {
			break
		}
		l.pos++
	}
	l.emit(TokenOperator, start)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isHex(c byte) bool   { return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' }
