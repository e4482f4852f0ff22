package store

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func TestCondition(t *testing.T) {
	item := Item{
		"id":    "a",
		"n":     int64(5),
		"f":     2.5,
		"title": "hello world",
		"tags":  []interface{}{"x", "y"},
		"ok":    true,
	}
	values := map[string]interface{}{
		":five":  5,
		":six":   6,
		":hello": "hello",
		":x":     "x",
		":true":  true,
		":two":   2,
	}
	var table = []struct {
		cond   string
		result bool
	}{
		{"", true},
		{"attribute_exists(id)", true},
		{"attribute_not_exists(id)", false},
		{"attribute_not_exists(missing)", true},
		{"n = :five", true},
		{"n <> :five", false},
		{"n < :six", true},
		{"n <= :five", true},
		{"n > :five", false},
		{"n >= :five", true},
		{"f > :two", true},
		{"n BETWEEN :five AND :six", true},
		{"n between :six and :six", false},
		{"n IN (:six, :five)", true},
		{"begins_with(title, :hello)", true},
		{"begins_with(id, :hello)", false},
		{"contains(title, :x)", false},
		{"contains(tags, :x)", true},
		{"size(tags) = :two", true},
		{"ok = :true", true},
		{"missing = :five", false},
		{"missing <> :five", true},
		{"NOT n = :five", false},
		{"n = :six OR n = :five", true},
		{"n = :five AND (id = :hello OR ok = :true)", true},
		{"(n = :five AND id = :hello) OR ok <> :true", false},
	}
	for _, test := range table {
		p := newPlaceholders(nil, values)
		cond, err := compileCondition(test.cond, p)
		if err != nil {
			t.Errorf("%q: %v", test.cond, err)
			continue
		}
		if cond(item) != test.result {
			t.Errorf("%q: expected %v", test.cond, test.result)
		}
	}
}

func TestConditionErrors(t *testing.T) {
	var table = []string{
		"n =",
		"n = :undefined",
		"#undefined = :five",
		"a.b = :five",
		"n ! :five",
		"(n = :five",
		"n BETWEEN :five",
		"n = :five extra",
	}
	for _, cond := range table {
		p := newPlaceholders(nil, map[string]interface{}{":five": 5})
		_, err := compileCondition(cond, p)
		if !errors.Is(err, ErrInvalidExpression) {
			t.Errorf("%q: expected ErrInvalidExpression, got %v", cond, err)
		}
	}
}

func TestUnusedPlaceholders(t *testing.T) {
	p := newPlaceholders(map[string]string{"#a": "a", "#b": "b"}, nil)
	_, err := compileCondition("attribute_exists(#a)", p)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.checkUnused(); !errors.Is(err, ErrInvalidExpression) {
		t.Errorf("Expected unused #b to be reported, got %v", err)
	}
}

func applyUpdate(t *testing.T, old Item, expression string, names map[string]string, values map[string]interface{}) (Item, error) {
	t.Helper()
	schema := Schema{Table: "T", HashKey: KeyAttribute{Name: "id"}}
	next, _, err := evalUpdate(schema, Item{"id": "a"}, old, &UpdateInput{
		UpdateExpression: expression,
		Names:            names,
		Values:           values,
	})
	return next, err
}

func TestUpdateActions(t *testing.T) {
	old := Item{
		"id":      "a",
		"n":       int64(1),
		"list":    []interface{}{"a"},
		"letters": []interface{}{"x", "y"},
		"gone":    "soon",
	}
	values := map[string]interface{}{
		":one":  1,
		":ten":  10,
		":more": []interface{}{"b"},
		":xy":   []interface{}{"x", "y"},
		":z":    []interface{}{"z", "x"},
		":s":    "s",
	}
	var table = []struct {
		expression string
		attr       string
		result     interface{}
	}{
		{"SET n = n + :ten", "n", int64(11)},
		{"SET n = :ten - n", "n", int64(9)},
		{"SET s = :s", "s", "s"},
		{"SET n = if_not_exists(n, :ten)", "n", int64(1)},
		{"SET m = if_not_exists(m, :ten)", "m", int64(10)},
		{"SET list = list_append(list, :more)", "list", []interface{}{"a", "b"}},
		{"ADD n :ten", "n", int64(11)},
		{"ADD fresh :one", "fresh", int64(1)},
		{"ADD letters :z", "letters", []interface{}{"x", "y", "z"}},
		{"DELETE letters :xy", "letters", nil},
		{"REMOVE gone", "gone", nil},
	}
	for _, test := range table {
		used := make(map[string]interface{})
		for k, v := range values {
			// only pass the values the expression uses
			if containsToken(test.expression, k) {
				used[k] = v
			}
		}
		next, err := applyUpdate(t, old, test.expression, nil, used)
		if err != nil {
			t.Errorf("%q: %v", test.expression, err)
			continue
		}
		if !reflect.DeepEqual(next[test.attr], test.result) {
			t.Errorf("%q: expected %#v, got %#v", test.expression, test.result, next[test.attr])
		}
		if _, ok := next[test.attr]; ok != (test.result != nil) {
			t.Errorf("%q: attribute presence is wrong: %v", test.expression, next)
		}
	}
	// the original item is not modified
	if old["n"] != int64(1) || old["gone"] != "soon" {
		t.Errorf("Update changed its input: %v", old)
	}
}

func containsToken(expression, tok string) bool {
	toks, _ := tokenize(expression)
	for _, t := range toks {
		if t.text == tok {
			return true
		}
	}
	return false
}

func TestUpdateSeesOldValues(t *testing.T) {
	// both actions read the item as it was before the update
	next, err := applyUpdate(t, Item{"id": "a", "x": int64(1), "y": int64(2)},
		"SET x = y, y = x", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next["x"] != int64(2) || next["y"] != int64(1) {
		t.Errorf("Received %v", next)
	}
}

func TestUpdateErrors(t *testing.T) {
	var table = []struct {
		expression string
		values     map[string]interface{}
	}{
		{"", nil},
		{"SET id = :v", map[string]interface{}{":v": "b"}},
		{"SET a = :v, a = :w", map[string]interface{}{":v": 1, ":w": 2}},
		{"SET a = missing", nil},
		{"SET a = title + :v", map[string]interface{}{":v": 1}},
		{"ADD title :v", map[string]interface{}{":v": 1}},
		{"ADD n title", nil},
		{"DELETE tags :v", map[string]interface{}{":v": 1}},
	}
	old := Item{"id": "a", "title": "t", "n": int64(1), "tags": []interface{}{"q"}}
	for _, test := range table {
		_, err := applyUpdate(t, old, test.expression, nil, test.values)
		if !errors.Is(err, ErrInvalidExpression) {
			t.Errorf("%q: expected ErrInvalidExpression, got %v", test.expression, err)
		}
	}
}

func TestReturnValues(t *testing.T) {
	schema := Schema{Table: "T", HashKey: KeyAttribute{Name: "id"}}
	old := Item{"id": "a", "n": int64(1), "other": "o"}
	in := &UpdateInput{
		UpdateExpression: "SET n = :two",
		Values:           map[string]interface{}{":two": 2},
	}
	var table = []struct {
		rv     ReturnValues
		result Item
	}{
		{ReturnNone, nil},
		{ReturnAllOld, old},
		{ReturnAllNew, Item{"id": "a", "n": int64(2), "other": "o"}},
		{ReturnUpdatedOld, Item{"n": int64(1)}},
		{ReturnUpdatedNew, Item{"n": int64(2)}},
	}
	for _, test := range table {
		in.ReturnValues = test.rv
		_, out, err := evalUpdate(schema, Item{"id": "a"}, old, in)
		if err != nil {
			t.Errorf("%s: %v", test.rv, err)
			continue
		}
		if !reflect.DeepEqual(out, test.result) {
			t.Errorf("%s: expected %v, got %v", test.rv, test.result, out)
		}
	}

	_, _, err := evalPut(schema, old, &PutInput{Item: old, ReturnValues: ReturnAllNew})
	if !errors.Is(err, ErrInvalidReturnValues) {
		t.Errorf("Expected ErrInvalidReturnValues, got %v", err)
	}
}
