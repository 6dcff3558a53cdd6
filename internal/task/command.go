// Package task defines commands, execution contexts, results and the processor
// contract shared by every execution backend.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Command identifies one processor command and the arguments it runs with.
// A Command is a value; Arguments are never mutated in place.
type Command struct {
	PackageID string    `json:"packageId"`
	CommandID string    `json:"commandId"`
	Arguments Arguments `json:"arguments"`
}

// NewCommand builds a command from its package, command and arguments.
// It panics if an argument value cannot be encoded as JSON.
func NewCommand(packageID, commandID string, args ...Argument) Command {
	return Command{
		PackageID: packageID,
		CommandID: commandID,
		Arguments: MustArguments(args...),
	}
}

// String returns "package.command".
func (c Command) String() string {
	return c.PackageID + "." + c.CommandID
}

// Argument is a single user supplied command argument.
type Argument struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// Arguments holds an ordered JSON array of {"id": ..., "value": ...}
// objects.
type Arguments struct {
	raw string
}

// NewArguments encodes args in order.
func NewArguments(args ...Argument) (Arguments, error) {
	a := Arguments{}
	for _, arg := range args {
		next, err := a.With(arg.ID, arg.Value)
		if err != nil {
			return Arguments{}, err
		}
		a = next
	}
	return a, nil
}

// MustArguments is NewArguments that panics on encoding errors.
func MustArguments(args ...Argument) Arguments {
	a, err := NewArguments(args...)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseArguments validates raw as an argument document.
func ParseArguments(raw string) (Arguments, error) {
	if raw == "" || raw == "null" {
		return Arguments{}, nil
	}
	if !gjson.Valid(raw) {
		return Arguments{}, fmt.Errorf("arguments are not valid JSON")
	}
	doc := gjson.Parse(raw)
	if !doc.IsArray() {
		return Arguments{}, fmt.Errorf("arguments must be a JSON array")
	}
	for i, item := range doc.Array() {
		if !item.Get("id").Exists() {
			return Arguments{}, fmt.Errorf("argument %d has no id", i)
		}
	}
	return Arguments{raw: raw}, nil
}

// Raw returns the JSON document.
func (a Arguments) Raw() string {
	if a.raw == "" {
		return "[]"
	}
	return a.raw
}

// Len returns the number of arguments.
func (a Arguments) Len() int {
	return int(gjson.Get(a.Raw(), "#").Int())
}

// IDs returns the argument ids in order.
func (a Arguments) IDs() []string {
	var ids []string
	for _, id := range gjson.Get(a.Raw(), "#.id").Array() {
		ids = append(ids, id.String())
	}
	return ids
}

// Get returns the value of the argument with the given id.
func (a Arguments) Get(id string) (gjson.Result, bool) {
	i := a.index(id)
	if i < 0 {
		return gjson.Result{}, false
	}
	return gjson.Get(a.raw, strconv.Itoa(i)+".value"), true
}

// String returns the argument as a string, or "" when absent.
func (a Arguments) String(id string) string {
	v, _ := a.Get(id)
	return v.String()
}

// Float returns the argument as a number.
func (a Arguments) Float(id string) (float64, bool) {
	v, ok := a.Get(id)
	if !ok || v.Type == gjson.Null {
		return 0, false
	}
	if v.Type == gjson.String {
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	}
	return v.Float(), v.Type == gjson.Number
}

// Bool returns the argument as a boolean, false when absent.
func (a Arguments) Bool(id string) bool {
	v, _ := a.Get(id)
	return v.Bool()
}

// Require returns a non-empty argument or an InvalidArgumentError.
func (a Arguments) Require(id string) (gjson.Result, error) {
	v, ok := a.Get(id)
	if !ok || v.Type == gjson.Null || (v.Type == gjson.String && v.Str == "") {
		return gjson.Result{}, &InvalidArgumentError{Argument: id, Reason: "missing value"}
	}
	return v, nil
}

// With returns a copy of a with the argument set to value. Existing
// arguments keep their position.
func (a Arguments) With(id string, value any) (Arguments, error) {
	raw := a.Raw()
	var err error
	if i := a.index(id); i >= 0 {
		raw, err = sjson.Set(raw, strconv.Itoa(i)+".value", value)
	} else {
		raw, err = sjson.Set(raw, strconv.Itoa(a.Len()), Argument{ID: id, Value: value})
	}
	if err != nil {
		return Arguments{}, fmt.Errorf("set argument %s: %w", id, err)
	}
	return Arguments{raw: raw}, nil
}

func (a Arguments) index(id string) int {
	found := -1
	i := 0
	gjson.Parse(a.Raw()).ForEach(func(_, item gjson.Result) bool {
		if item.Get("id").String() == id {
			found = i
			return false
		}
		i++
		return true
	})
	return found
}

// MarshalJSON implements json.Marshaler.
func (a Arguments) MarshalJSON() ([]byte, error) {
	return []byte(a.Raw()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Arguments) UnmarshalJSON(data []byte) error {
	parsed, err := ParseArguments(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

var (
	_ json.Marshaler   = Arguments{}
	_ json.Unmarshaler = (*Arguments)(nil)
)
