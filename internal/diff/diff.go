// Package diff computes and applies minimal forward patches between two
// serialized JSON states. A patch is a sequence of add/remove/replace
// operations with JSON-pointer paths; applying the patch returned for
// (pre, post) to pre yields post in canonical form, so clients can reconcile
// incrementally instead of refetching full state.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/CyberFlameGO/envkey/internal/errors"
)

// Patch operation names.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
)

// Operation is one forward patch step.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Compute returns the forward patch transforming pre into post. Both inputs
// must be valid JSON documents.
func Compute(pre, post []byte) ([]Operation, error) {
	a, err := decode(pre)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode pre-state")
	}
	b, err := decode(post)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode post-state")
	}

	var ops []Operation
	diffValues("", a, b, &ops)
	return ops, nil
}

// Apply applies a forward patch to a JSON document and returns the patched
// document in canonical form.
func Apply(doc []byte, ops []Operation) ([]byte, error) {
	value, err := decode(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode document")
	}

	for _, op := range ops {
		value, err = applyOne(value, op)
		if err != nil {
			return nil, err
		}
	}

	return Canonical(value)
}

// Canonical marshals a decoded JSON value deterministically (object keys
// sorted, numbers preserved verbatim). Uses encoding/json's default escaping
// so output is byte-identical to the json.Marshal serialization clients hold.
func Canonical(value any) ([]byte, error) {
	return json.Marshal(value)
}

// decode unmarshals with number preservation so large integers survive a
// compute/apply round trip.
func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// diffValues appends the operations transforming a into b at path.
func diffValues(path string, a, b any, ops *[]Operation) {
	if reflect.DeepEqual(a, b) {
		return
	}

	aMap, aIsMap := a.(map[string]any)
	bMap, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		diffMaps(path, aMap, bMap, ops)
		return
	}

	aArr, aIsArr := a.([]any)
	bArr, bIsArr := b.([]any)
	if aIsArr && bIsArr {
		diffArrays(path, aArr, bArr, ops)
		return
	}

	*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: b})
}

func diffMaps(path string, a, b map[string]any, ops *[]Operation) {
	for key, aVal := range a {
		bVal, ok := b[key]
		if !ok {
			*ops = append(*ops, Operation{Op: OpRemove, Path: path + "/" + escapeToken(key)})
			continue
		}
		diffValues(path+"/"+escapeToken(key), aVal, bVal, ops)
	}
	for key, bVal := range b {
		if _, ok := a[key]; !ok {
			*ops = append(*ops, Operation{Op: OpAdd, Path: path + "/" + escapeToken(key), Value: bVal})
		}
	}
}

func diffArrays(path string, a, b []any, ops *[]Operation) {
	common := len(a)
	if len(b) < common {
		common = len(b)
	}
	for i := 0; i < common; i++ {
		diffValues(path+"/"+strconv.Itoa(i), a[i], b[i], ops)
	}
	for i := common; i < len(b); i++ {
		*ops = append(*ops, Operation{Op: OpAdd, Path: path + "/-", Value: b[i]})
	}
	// Remove trailing elements from the end so earlier indices stay valid.
	for i := len(a) - 1; i >= common; i-- {
		*ops = append(*ops, Operation{Op: OpRemove, Path: path + "/" + strconv.Itoa(i)})
	}
}

// applyOne applies a single operation and returns the (possibly replaced)
// root value.
func applyOne(root any, op Operation) (any, error) {
	if op.Path == "" {
		switch op.Op {
		case OpAdd, OpReplace:
			return op.Value, nil
		default:
			return nil, errors.Wrap(errors.ErrInvalidInput, "cannot remove document root")
		}
	}

	tokens, err := parsePointer(op.Path)
	if err != nil {
		return nil, err
	}

	parent, err := resolveParent(root, tokens)
	if err != nil {
		return nil, err
	}
	last := tokens[len(tokens)-1]

	switch container := parent.(type) {
	case map[string]any:
		switch op.Op {
		case OpAdd, OpReplace:
			container[last] = op.Value
		case OpRemove:
			if _, ok := container[last]; !ok {
				return nil, errors.Wrapf(errors.ErrInvalidInput, "remove of missing key %q", op.Path)
			}
			delete(container, last)
		default:
			return nil, errors.Wrapf(errors.ErrInvalidInput, "unknown patch op %q", op.Op)
		}
		return root, nil

	case []any:
		updated, err := applyToArray(container, last, op)
		if err != nil {
			return nil, err
		}
		// The slice header may have changed; reinstall it in its own parent.
		if len(tokens) == 1 {
			return updated, nil
		}
		grandparent, err := resolveParent(root, tokens[:len(tokens)-1])
		if err != nil {
			return nil, err
		}
		if err := setChild(grandparent, tokens[len(tokens)-2], updated); err != nil {
			return nil, err
		}
		return root, nil

	default:
		return nil, errors.Wrapf(errors.ErrInvalidInput, "path %q does not resolve to a container", op.Path)
	}
}

func applyToArray(arr []any, token string, op Operation) (any, error) {
	if token == "-" {
		if op.Op != OpAdd {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "op %q not valid for append", op.Op)
		}
		return append(arr, op.Value), nil
	}

	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 || idx >= len(arr) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "array index %q out of range", token)
	}

	switch op.Op {
	case OpReplace:
		arr[idx] = op.Value
		return arr, nil
	case OpAdd:
		arr = append(arr, nil)
		copy(arr[idx+1:], arr[idx:])
		arr[idx] = op.Value
		return arr, nil
	case OpRemove:
		return append(arr[:idx], arr[idx+1:]...), nil
	default:
		return nil, errors.Wrapf(errors.ErrInvalidInput, "unknown patch op %q", op.Op)
	}
}

// resolveParent walks all but the last token and returns the container the
// final token addresses.
func resolveParent(root any, tokens []string) (any, error) {
	current := root
	for _, token := range tokens[:len(tokens)-1] {
		switch container := current.(type) {
		case map[string]any:
			next, ok := container[token]
			if !ok {
				return nil, errors.Wrapf(errors.ErrInvalidInput, "missing path segment %q", token)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, errors.Wrapf(errors.ErrInvalidInput, "array index %q out of range", token)
			}
			current = container[idx]
		default:
			return nil, errors.Wrapf(errors.ErrInvalidInput, "path segment %q does not address a container", token)
		}
	}
	return current, nil
}

func setChild(parent any, token string, value any) error {
	switch container := parent.(type) {
	case map[string]any:
		container[token] = value
		return nil
	case []any:
		idx, err := strconv.Atoi(token)
		if err != nil || idx < 0 || idx >= len(container) {
			return errors.Wrapf(errors.ErrInvalidInput, "array index %q out of range", token)
		}
		container[idx] = value
		return nil
	default:
		return errors.Wrap(errors.ErrInvalidInput, "parent is not a container")
	}
}

// parsePointer splits a JSON pointer into unescaped tokens.
func parsePointer(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "invalid JSON pointer %q", path)
	}
	raw := strings.Split(path[1:], "/")
	tokens := make([]string, len(raw))
	for i, t := range raw {
		tokens[i] = strings.ReplaceAll(strings.ReplaceAll(t, "~1", "/"), "~0", "~")
	}
	return tokens, nil
}

func escapeToken(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

// String renders an operation for logging.
func (o Operation) String() string {
	return fmt.Sprintf("%s %s", o.Op, o.Path)
}
