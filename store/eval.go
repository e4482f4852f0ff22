package store

// This file evaluates condition and update expressions against items held in
// memory. It is shared by the Memory and SQL stores, which have no native
// expression support. Only top level attribute paths are supported.

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/expr"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokName  // #name
	tokValue // :name
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func tokenize(s string) ([]token, error) {
	var result []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '#' || r == ':':
			j := i + 1
			for j < len(rs) && isWordRune(rs[j]) {
				j++
			}
			if j == i+1 {
				return nil, errors.Wrapf(ErrInvalidExpression, "empty placeholder in %q", s)
			}
			kind := tokName
			if r == ':' {
				kind = tokValue
			}
			result = append(result, token{kind, string(rs[i:j])})
			i = j
		case isWordRune(r):
			j := i
			for j < len(rs) && isWordRune(rs[j]) {
				j++
			}
			result = append(result, token{tokIdent, string(rs[i:j])})
			i = j
		case r == '<' || r == '>':
			if i+1 < len(rs) && (rs[i+1] == '=' || (r == '<' && rs[i+1] == '>')) {
				result = append(result, token{tokPunct, string(rs[i : i+2])})
				i += 2
				continue
			}
			result = append(result, token{tokPunct, string(r)})
			i++
		case strings.ContainsRune("(),=+-", r):
			result = append(result, token{tokPunct, string(r)})
			i++
		case r == '.' || r == '[':
			return nil, errors.Wrapf(ErrInvalidExpression, "nested document paths are not supported: %q", s)
		default:
			return nil, errors.Wrapf(ErrInvalidExpression, "unexpected character %q in %q", r, s)
		}
	}
	return result, nil
}

// placeholders resolves "#name" and ":name" references and remembers which
// ones were used.
type placeholders struct {
	names      map[string]string
	values     map[string]interface{}
	usedNames  map[string]bool
	usedValues map[string]bool
}

func newPlaceholders(names map[string]string, values map[string]interface{}) *placeholders {
	p := &placeholders{
		names:      names,
		values:     make(map[string]interface{}, len(values)),
		usedNames:  make(map[string]bool),
		usedValues: make(map[string]bool),
	}
	for k, v := range values {
		p.values[k] = Normalize(v)
	}
	return p
}

func (p *placeholders) name(t token) (string, error) {
	switch t.kind {
	case tokIdent:
		return t.text, nil
	case tokName:
		n, ok := p.names[t.text]
		if !ok {
			return "", errors.Wrapf(ErrInvalidExpression, "undefined attribute name %s", t.text)
		}
		p.usedNames[t.text] = true
		return n, nil
	}
	return "", errors.Wrapf(ErrInvalidExpression, "expected attribute name, found %q", t.text)
}

func (p *placeholders) value(t token) (interface{}, error) {
	v, ok := p.values[t.text]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidExpression, "undefined attribute value %s", t.text)
	}
	p.usedValues[t.text] = true
	return v, nil
}

// checkUnused fails if any supplied placeholder was never referenced.
// DynamoDB rejects such requests, so we do too.
func (p *placeholders) checkUnused() error {
	for k := range p.names {
		if !p.usedNames[k] {
			return errors.Wrapf(ErrInvalidExpression, "unused attribute name %s", k)
		}
	}
	for k := range p.values {
		if !p.usedValues[k] {
			return errors.Wrapf(ErrInvalidExpression, "unused attribute value %s", k)
		}
	}
	return nil
}

type parser struct {
	toks []token
	pos  int
	p    *placeholders
}

func (ps *parser) peek() token {
	if ps.pos >= len(ps.toks) {
		return token{kind: tokEOF}
	}
	return ps.toks[ps.pos]
}

func (ps *parser) next() token {
	t := ps.peek()
	if t.kind != tokEOF {
		ps.pos++
	}
	return t
}

func (ps *parser) isPunct(s string) bool {
	t := ps.peek()
	return t.kind == tokPunct && t.text == s
}

func (ps *parser) isWord(s string) bool {
	t := ps.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, s)
}

func (ps *parser) expect(s string) error {
	t := ps.next()
	if t.kind != tokPunct || t.text != s {
		return errors.Wrapf(ErrInvalidExpression, "expected %q, found %q", s, t.text)
	}
	return nil
}

// An operand yields a value from an item. The bool is false when the operand
// refers to a missing attribute.
type operand func(item Item) (interface{}, bool)

// A condition tests an item.
type condition func(item Item) bool

// compileCondition parses a condition expression. An empty expression is
// always true.
func compileCondition(s string, p *placeholders) (condition, error) {
	if strings.TrimSpace(s) == "" {
		return func(Item) bool { return true }, nil
	}
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	ps := &parser{toks: toks, p: p}
	c, err := ps.or()
	if err != nil {
		return nil, err
	}
	if t := ps.peek(); t.kind != tokEOF {
		return nil, errors.Wrapf(ErrInvalidExpression, "unexpected %q in condition", t.text)
	}
	return c, nil
}

func (ps *parser) or() (condition, error) {
	left, err := ps.and()
	if err != nil {
		return nil, err
	}
	for ps.isWord("OR") {
		ps.next()
		right, err := ps.and()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(item Item) bool { return l(item) || right(item) }
	}
	return left, nil
}

func (ps *parser) and() (condition, error) {
	left, err := ps.not()
	if err != nil {
		return nil, err
	}
	for ps.isWord("AND") {
		ps.next()
		right, err := ps.not()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(item Item) bool { return l(item) && right(item) }
	}
	return left, nil
}

func (ps *parser) not() (condition, error) {
	if ps.isWord("NOT") {
		ps.next()
		c, err := ps.not()
		if err != nil {
			return nil, err
		}
		return func(item Item) bool { return !c(item) }, nil
	}
	return ps.primary()
}

func (ps *parser) primary() (condition, error) {
	if ps.isPunct("(") {
		ps.next()
		c, err := ps.or()
		if err != nil {
			return nil, err
		}
		return c, ps.expect(")")
	}
	t := ps.peek()
	if t.kind == tokIdent && ps.pos+1 < len(ps.toks) && ps.toks[ps.pos+1].text == "(" {
		switch strings.ToLower(t.text) {
		case "attribute_exists", "attribute_not_exists":
			ps.next()
			ps.next()
			name, err := ps.p.name(ps.next())
			if err != nil {
				return nil, err
			}
			if err := ps.expect(")"); err != nil {
				return nil, err
			}
			want := strings.ToLower(t.text) == "attribute_exists"
			return func(item Item) bool {
				_, ok := item[name]
				return ok == want
			}, nil
		case "begins_with", "contains":
			ps.next()
			ps.next()
			a, err := ps.operand()
			if err != nil {
				return nil, err
			}
			if err := ps.expect(","); err != nil {
				return nil, err
			}
			b, err := ps.operand()
			if err != nil {
				return nil, err
			}
			if err := ps.expect(")"); err != nil {
				return nil, err
			}
			if strings.ToLower(t.text) == "begins_with" {
				return func(item Item) bool { return beginsWith(a, b, item) }, nil
			}
			return func(item Item) bool { return contains(a, b, item) }, nil
		}
	}
	left, err := ps.operand()
	if err != nil {
		return nil, err
	}
	switch {
	case ps.isWord("BETWEEN"):
		ps.next()
		low, err := ps.operand()
		if err != nil {
			return nil, err
		}
		if !ps.isWord("AND") {
			return nil, errors.Wrap(ErrInvalidExpression, "BETWEEN without AND")
		}
		ps.next()
		high, err := ps.operand()
		if err != nil {
			return nil, err
		}
		return func(item Item) bool {
			return compareOperands(left, low, item, func(c int) bool { return c >= 0 }) &&
				compareOperands(left, high, item, func(c int) bool { return c <= 0 })
		}, nil
	case ps.isWord("IN"):
		ps.next()
		if err := ps.expect("("); err != nil {
			return nil, err
		}
		var list []operand
		for {
			o, err := ps.operand()
			if err != nil {
				return nil, err
			}
			list = append(list, o)
			if !ps.isPunct(",") {
				break
			}
			ps.next()
		}
		if err := ps.expect(")"); err != nil {
			return nil, err
		}
		return func(item Item) bool {
			for _, o := range list {
				if compareOperands(left, o, item, func(c int) bool { return c == 0 }) {
					return true
				}
			}
			return false
		}, nil
	}
	op := ps.next()
	var test func(int) bool
	switch op.text {
	case "=":
		test = func(c int) bool { return c == 0 }
	case "<>":
		test = func(c int) bool { return c != 0 }
	case "<":
		test = func(c int) bool { return c < 0 }
	case "<=":
		test = func(c int) bool { return c <= 0 }
	case ">":
		test = func(c int) bool { return c > 0 }
	case ">=":
		test = func(c int) bool { return c >= 0 }
	default:
		return nil, errors.Wrapf(ErrInvalidExpression, "expected comparator, found %q", op.text)
	}
	right, err := ps.operand()
	if err != nil {
		return nil, err
	}
	if op.text == "=" || op.text == "<>" {
		want := op.text == "="
		return func(item Item) bool {
			a, aok := left(item)
			b, bok := right(item)
			if !aok || !bok {
				return !want && aok != bok
			}
			return equalValues(a, b) == want
		}, nil
	}
	return func(item Item) bool { return compareOperands(left, right, item, test) }, nil
}

func compareOperands(a, b operand, item Item, test func(int) bool) bool {
	x, xok := a(item)
	y, yok := b(item)
	if !xok || !yok {
		return false
	}
	if test(0) && !test(1) && !test(-1) {
		return equalValues(x, y)
	}
	c, ok := compareValues(x, y)
	return ok && test(c)
}

func beginsWith(a, b operand, item Item) bool {
	x, xok := a(item)
	y, yok := b(item)
	if !xok || !yok {
		return false
	}
	xs, ok1 := x.(string)
	ys, ok2 := y.(string)
	return ok1 && ok2 && strings.HasPrefix(xs, ys)
}

func contains(a, b operand, item Item) bool {
	x, xok := a(item)
	y, yok := b(item)
	if !xok || !yok {
		return false
	}
	switch c := x.(type) {
	case string:
		s, ok := y.(string)
		return ok && strings.Contains(c, s)
	case []interface{}:
		for _, e := range c {
			if equalValues(e, y) {
				return true
			}
		}
	}
	return false
}

// operand parses a path, a value placeholder, or size(path).
func (ps *parser) operand() (operand, error) {
	t := ps.next()
	switch t.kind {
	case tokValue:
		v, err := ps.p.value(t)
		if err != nil {
			return nil, err
		}
		return func(Item) (interface{}, bool) { return v, true }, nil
	case tokIdent:
		if strings.EqualFold(t.text, "size") && ps.isPunct("(") {
			ps.next()
			name, err := ps.p.name(ps.next())
			if err != nil {
				return nil, err
			}
			if err := ps.expect(")"); err != nil {
				return nil, err
			}
			return func(item Item) (interface{}, bool) {
				v, ok := item[name]
				if !ok {
					return nil, false
				}
				switch x := v.(type) {
				case string:
					return int64(len(x)), true
				case []byte:
					return int64(len(x)), true
				case []interface{}:
					return int64(len(x)), true
				case map[string]interface{}:
					return int64(len(x)), true
				}
				return nil, false
			}, nil
		}
		fallthrough
	case tokName:
		name, err := ps.p.name(t)
		if err != nil {
			return nil, err
		}
		return func(item Item) (interface{}, bool) {
			v, ok := item[name]
			return v, ok
		}, nil
	}
	return nil, errors.Wrapf(ErrInvalidExpression, "expected operand, found %q", t.text)
}

// an action is one step of an update expression. It is evaluated against the
// original item and returns the attribute it changes and the new value. A nil
// value with remove set means the attribute is removed.
type action struct {
	attr string
	eval func(old Item) (value interface{}, remove bool, err error)
}

// compileUpdate parses an update expression into its actions.
func compileUpdate(s string, p *placeholders) ([]action, error) {
	clauses := expr.Parse(s)
	if len(clauses) == 0 {
		return nil, errors.Wrapf(ErrInvalidExpression, "empty update expression %q", s)
	}
	var actions []action
	for _, k := range expr.Keywords {
		fragment, ok := clauses[k]
		if !ok {
			continue
		}
		toks, err := tokenize(fragment)
		if err != nil {
			return nil, err
		}
		ps := &parser{toks: toks, p: p}
		for {
			var a action
			switch k {
			case "SET":
				a, err = ps.setAction()
			case "REMOVE":
				a, err = ps.removeAction()
			case "ADD":
				a, err = ps.addAction()
			case "DELETE":
				a, err = ps.deleteAction()
			}
			if err != nil {
				return nil, err
			}
			actions = append(actions, a)
			if ps.peek().kind == tokEOF {
				break
			}
			if err := ps.expect(","); err != nil {
				return nil, err
			}
		}
	}
	seen := make(map[string]bool)
	for _, a := range actions {
		if seen[a.attr] {
			return nil, errors.Wrapf(ErrInvalidExpression, "two actions update %s", a.attr)
		}
		seen[a.attr] = true
	}
	return actions, nil
}

func (ps *parser) setAction() (action, error) {
	attr, err := ps.p.name(ps.next())
	if err != nil {
		return action{}, err
	}
	if err := ps.expect("="); err != nil {
		return action{}, err
	}
	left, err := ps.setOperand()
	if err != nil {
		return action{}, err
	}
	value := left
	if ps.isPunct("+") || ps.isPunct("-") {
		sign := int64(1)
		if ps.next().text == "-" {
			sign = -1
		}
		right, err := ps.setOperand()
		if err != nil {
			return action{}, err
		}
		value = func(old Item) (interface{}, error) {
			a, err := left(old)
			if err != nil {
				return nil, err
			}
			b, err := right(old)
			if err != nil {
				return nil, err
			}
			if !isNumber(a) || !isNumber(b) {
				return nil, errors.Wrapf(ErrInvalidExpression, "arithmetic on non-number in SET %s", attr)
			}
			return addNumbers(a, b, sign), nil
		}
	}
	return action{attr: attr, eval: func(old Item) (interface{}, bool, error) {
		v, err := value(old)
		return v, false, err
	}}, nil
}

type setOperand func(old Item) (interface{}, error)

func (ps *parser) setOperand() (setOperand, error) {
	t := ps.peek()
	if t.kind == tokIdent && ps.pos+1 < len(ps.toks) && ps.toks[ps.pos+1].text == "(" {
		switch strings.ToLower(t.text) {
		case "if_not_exists":
			ps.next()
			ps.next()
			name, err := ps.p.name(ps.next())
			if err != nil {
				return nil, err
			}
			if err := ps.expect(","); err != nil {
				return nil, err
			}
			dflt, err := ps.setOperand()
			if err != nil {
				return nil, err
			}
			if err := ps.expect(")"); err != nil {
				return nil, err
			}
			return func(old Item) (interface{}, error) {
				if v, ok := old[name]; ok {
					return v, nil
				}
				return dflt(old)
			}, nil
		case "list_append":
			ps.next()
			ps.next()
			a, err := ps.setOperand()
			if err != nil {
				return nil, err
			}
			if err := ps.expect(","); err != nil {
				return nil, err
			}
			b, err := ps.setOperand()
			if err != nil {
				return nil, err
			}
			if err := ps.expect(")"); err != nil {
				return nil, err
			}
			return func(old Item) (interface{}, error) {
				x, err := a(old)
				if err != nil {
					return nil, err
				}
				y, err := b(old)
				if err != nil {
					return nil, err
				}
				xl, ok1 := x.([]interface{})
				yl, ok2 := y.([]interface{})
				if !ok1 || !ok2 {
					return nil, errors.Wrap(ErrInvalidExpression, "list_append on non-list")
				}
				return append(append([]interface{}{}, xl...), yl...), nil
			}, nil
		}
	}
	o, err := ps.operand()
	if err != nil {
		return nil, err
	}
	return func(old Item) (interface{}, error) {
		v, ok := o(old)
		if !ok {
			return nil, errors.Wrap(ErrInvalidExpression, "expression refers to an attribute that does not exist in the item")
		}
		return v, nil
	}, nil
}

func (ps *parser) removeAction() (action, error) {
	attr, err := ps.p.name(ps.next())
	if err != nil {
		return action{}, err
	}
	return action{attr: attr, eval: func(Item) (interface{}, bool, error) {
		return nil, true, nil
	}}, nil
}

func (ps *parser) addAction() (action, error) {
	attr, err := ps.p.name(ps.next())
	if err != nil {
		return action{}, err
	}
	t := ps.next()
	if t.kind != tokValue {
		return action{}, errors.Wrapf(ErrInvalidExpression, "ADD %s needs a value placeholder", attr)
	}
	v, err := ps.p.value(t)
	if err != nil {
		return action{}, err
	}
	return action{attr: attr, eval: func(old Item) (interface{}, bool, error) {
		cur, ok := old[attr]
		switch x := v.(type) {
		case int64, float64:
			if !ok {
				return x, false, nil
			}
			if !isNumber(cur) {
				return nil, false, errors.Wrapf(ErrInvalidExpression, "ADD number to non-number %s", attr)
			}
			return addNumbers(cur, x, 1), false, nil
		case []interface{}:
			var set []interface{}
			if ok {
				l, isList := cur.([]interface{})
				if !isList {
					return nil, false, errors.Wrapf(ErrInvalidExpression, "ADD set to non-set %s", attr)
				}
				set = append(set, l...)
			}
			for _, e := range x {
				if !containsValue(set, e) {
					set = append(set, e)
				}
			}
			return set, false, nil
		}
		return nil, false, errors.Wrapf(ErrInvalidExpression, "ADD %s needs a number or a set", attr)
	}}, nil
}

func (ps *parser) deleteAction() (action, error) {
	attr, err := ps.p.name(ps.next())
	if err != nil {
		return action{}, err
	}
	t := ps.next()
	if t.kind != tokValue {
		return action{}, errors.Wrapf(ErrInvalidExpression, "DELETE %s needs a value placeholder", attr)
	}
	v, err := ps.p.value(t)
	if err != nil {
		return action{}, err
	}
	return action{attr: attr, eval: func(old Item) (interface{}, bool, error) {
		remove, ok := v.([]interface{})
		if !ok {
			return nil, false, errors.Wrapf(ErrInvalidExpression, "DELETE %s needs a set", attr)
		}
		cur, ok := old[attr]
		if !ok {
			return nil, true, nil
		}
		l, ok := cur.([]interface{})
		if !ok {
			return nil, false, errors.Wrapf(ErrInvalidExpression, "DELETE from non-set %s", attr)
		}
		var kept []interface{}
		for _, e := range l {
			if !containsValue(remove, e) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			return nil, true, nil
		}
		return kept, false, nil
	}}, nil
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, e := range list {
		if equalValues(e, v) {
			return true
		}
	}
	return false
}
