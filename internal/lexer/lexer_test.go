package lexer

import (
	"testing"

	"argon/internal/errors"
)

// next lexes one token, failing the test if the lexer raises.
func next(t *testing.T, l *Lexer) Token {
	t.Helper()
	l.Next()
	return l.Tok
}

func expectTypes(t *testing.T, code string, types ...Tk) {
	t.Helper()
	l := New("", code)
	for _, want := range types {
		if tok := next(t, l); tok.Type != want {
			t.Fatalf("code %q: got token %s, want %s", code, tok.Type.Name(),
				want.Name())
		}
	}
	if tok := next(t, l); tok.Type != TK_EOF {
		t.Fatalf("code %q: trailing token %s", code, tok.Type.Name())
	}
}

func TestSingleCharSymbols(t *testing.T) {
	expectTypes(t, "+ - ( ) [ ]", Tk('+'), Tk('-'), Tk('('), Tk(')'),
		Tk('['), Tk(']'))
}

func TestMultiCharSymbols(t *testing.T) {
	expectTypes(t, "+= -= *= /= %= >= <= == != .. && ||",
		TK_ADD_ASSIGN, TK_SUB_ASSIGN, TK_MUL_ASSIGN, TK_DIV_ASSIGN,
		TK_MOD_ASSIGN, TK_GE, TK_LE, TK_EQ, TK_NEQ, TK_CONCAT, TK_AND, TK_OR)
}

func TestEmpty(t *testing.T) {
	expectTypes(t, "")
	expectTypes(t, " \n\r\r   \t\n")
}

func TestLineNumbers(t *testing.T) {
	l := New("", " +\n\r -(\t\t\n\r)\r\n [ \n\r]\n")
	cases := []struct {
		tk   Tk
		line int
	}{
		{Tk('+'), 1}, {Tk('-'), 3}, {Tk('('), 3}, {Tk(')'), 5},
		{Tk('['), 6}, {Tk(']'), 8}, {TK_EOF, 9},
	}
	for _, c := range cases {
		tok := next(t, l)
		if tok.Type != c.tk {
			t.Fatalf("got %s, want %s", tok.Type.Name(), c.tk.Name())
		}
		if tok.Line != c.line {
			t.Errorf("token %s on line %d, want %d", tok.Type.Name(), tok.Line,
				c.line)
		}
	}
}

func TestIdentifiers(t *testing.T) {
	names := []string{"hello", "_3hello", "h_e_ll_o", "h3ll0", "_014", "_h35_o"}
	l := New("", "hello _3hello h_e_ll_o h3ll0 _014 _h35_o")
	for _, name := range names {
		tok := next(t, l)
		if tok.Type != TK_IDENT {
			t.Fatalf("%s lexed as %s", name, tok.Type.Name())
		}
		if tok.IdentHash != HashString(name) {
			t.Errorf("%s hashed to %#x, want %#x", name, tok.IdentHash,
				HashString(name))
		}
		if l.Lexeme(tok) != name {
			t.Errorf("lexeme %q, want %q", l.Lexeme(tok), name)
		}
	}
}

func TestKeywords(t *testing.T) {
	expectTypes(t, "let if elseif else while for loop fn true false nil",
		TK_LET, TK_IF, TK_ELSEIF, TK_ELSE, TK_WHILE, TK_FOR, TK_LOOP, TK_FN,
		TK_TRUE, TK_FALSE, TK_NIL)
}

func TestNumbers(t *testing.T) {
	cases := []struct {
		code string
		num  float64
	}{
		{"0", 0},
		{"3", 3},
		{"3.1415926535", 3.1415926535},
		{"10.5e2", 1050},
		{"2E3", 2000},
		{"1e-2", 0.01},
		{"0xff", 255},
		{"0XFF", 255},
		{"0b101", 5},
		{"0B11", 3},
		{"0o17", 15},
		{"0O10", 8},
	}
	for _, c := range cases {
		l := New("", c.code)
		tok := next(t, l)
		if tok.Type != TK_NUM {
			t.Fatalf("%q lexed as %s", c.code, tok.Type.Name())
		}
		if tok.Num != c.num {
			t.Errorf("%q = %g, want %g", c.code, tok.Num, c.num)
		}
		if tok := next(t, l); tok.Type != TK_EOF {
			t.Errorf("%q left trailing token %s", c.code, tok.Type.Name())
		}
	}
}

// An exponent with no digits isn't part of the number; the `e` lexes as a
// trailing identifier instead.
func TestDanglingExponent(t *testing.T) {
	l := New("", "3e")
	if tok := next(t, l); tok.Type != TK_NUM || tok.Num != 3 {
		t.Fatalf("got %s %g", tok.Type.Name(), tok.Num)
	}
	if tok := next(t, l); tok.Type != TK_IDENT {
		t.Fatalf("got %s, want identifier", tok.Type.Name())
	}
}

func TestMalformedNumber(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a lex error")
		}
		err, ok := r.(*errors.Error)
		if !ok {
			t.Fatalf("panicked with %v", r)
		}
		if err.Kind != errors.LexError {
			t.Errorf("kind = %s, want LexError", err.Kind)
		}
		if err.Line != 2 {
			t.Errorf("line = %d, want 2", err.Line)
		}
	}()
	l := New("", "let a =\n0x")
	for {
		l.Next()
		if l.Tok.Type == TK_EOF {
			break
		}
	}
}

func TestSaveRestore(t *testing.T) {
	l := New("", "a = b")
	next(t, l) // a
	saved := l.Save()
	if tok := next(t, l); tok.Type != Tk('=') {
		t.Fatalf("got %s", tok.Type.Name())
	}
	l.Restore(saved)
	if l.Tok.Type != TK_IDENT {
		t.Fatalf("restore lost the current token: %s", l.Tok.Type.Name())
	}
	if tok := next(t, l); tok.Type != Tk('=') {
		t.Fatalf("restore rewound too far or not enough: %s", tok.Type.Name())
	}
}

func TestHashStringStable(t *testing.T) {
	if HashString("") != 0 {
		t.Error("empty string should hash to 0")
	}
	if HashString("hello") == HashString("world") {
		t.Error("suspicious hash collision")
	}
	if HashString("hello") != HashString("hello") {
		t.Error("hash is not deterministic")
	}
}
