// Package hash computes content digests over a node's resolved inputs.
//
// The digest is the memoization key: identical resolved-input sets must yield
// identical digests independent of map insertion order, platform float
// formatting, or OS path representation. To that end values are reduced to a
// canonical byte encoding before hashing: map keys are sorted, floats are
// formatted to a fixed precision, containers are tagged with their kind, and
// file references contribute their content hash rather than their path.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
)

// FileRef marks an input value as a reference to a file on disk. Its digest
// contribution is the sha256 of the file's contents, never the path, so
// moving or renaming a file does not invalidate the cache while editing it
// does.
type FileRef string

// Tuple is a fixed-shape sequence. It hashes identically to a list in
// content but carries a distinct container tag to avoid cross-type
// collisions.
type Tuple []any

// floatPrecision is the fixed decimal precision applied to floating point
// values before hashing, guarding against platform formatting drift.
const floatPrecision = 10

// Digest returns the hex-encoded sha256 of the canonical encoding of v.
func Digest(v any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

// DigestInputs returns the digest of a named input set. It is equivalent to
// Digest on the map but fails fast on a nil map.
func DigestInputs(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return Digest(inputs)
}

// FileDigest returns the hex-encoded sha256 of the contents of path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing file %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonical returns the canonical string encoding of v. Exposed for tests
// and for cache records that persist the encoded form next to the digest.
func Canonical(v any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
		return nil
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
		return nil
	case string:
		fmt.Fprintf(sb, "%q", val)
		return nil
	case FileRef:
		sum, err := FileDigest(string(val))
		if err != nil {
			return err
		}
		sb.WriteString("file:")
		sb.WriteString(sum)
		return nil
	case float64:
		fmt.Fprintf(sb, "%.*f", floatPrecision, val)
		return nil
	case float32:
		fmt.Fprintf(sb, "%.*f", floatPrecision, float64(val))
		return nil
	case int:
		fmt.Fprintf(sb, "%d", val)
		return nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		fmt.Fprintf(sb, "%d", val)
		return nil
	case Tuple:
		return writeSequence(sb, "tuple", []any(val))
	case []any:
		return writeSequence(sb, "list", val)
	case map[string]any:
		return writeMapping(sb, val)
	}

	// Fall back to reflection for concrete slice/map types such as
	// []string or map[string]int that arrive through typed runnables.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
		return writeSequence(sb, "list", items)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unhashable map key type %s", rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return writeMapping(sb, m)
	}

	return fmt.Errorf("unhashable value of type %T", v)
}

func writeSequence(sb *strings.Builder, tag string, items []any) error {
	sb.WriteString(tag)
	sb.WriteString(":[")
	for i, item := range items {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := writeCanonical(sb, item); err != nil {
			return err
		}
	}
	sb.WriteByte(']')
	return nil
}

func writeMapping(sb *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("map:{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(sb, "%q=", k)
		if err := writeCanonical(sb, m[k]); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}
