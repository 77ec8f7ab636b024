package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Op is the kind of write carried by a stat request
type Op string

const (
	OpIncrement Op = "increment"
	OpSet       Op = "set"
)

// StatRequest is a decoded write request body
type StatRequest struct {
	Op    Op
	Value int64
}

// ParseStatRequest decodes {"op": "increment"|"set", "value": n}.
// The value may be a JSON number or a string such as "1,250".
func ParseStatRequest(data []byte) (StatRequest, error) {
	var root struct {
		Op    string          `json:"op"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &root); err != nil {
		return StatRequest{}, fmt.Errorf("failed to unmarshal request: %w", err)
	}

	op := Op(strings.ToLower(strings.TrimSpace(root.Op)))
	switch op {
	case OpIncrement, OpSet:
	case "":
		return StatRequest{}, fmt.Errorf("missing op")
	default:
		return StatRequest{}, fmt.Errorf("unknown op %q", root.Op)
	}

	if len(root.Value) == 0 || string(root.Value) == "null" {
		return StatRequest{}, fmt.Errorf("missing value")
	}

	raw := string(root.Value)
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return StatRequest{}, fmt.Errorf("invalid value: %w", err)
		}
		raw = unquoted
	}

	v, err := ParseValue(raw)
	if err != nil {
		return StatRequest{}, err
	}
	return StatRequest{Op: op, Value: v}, nil
}
