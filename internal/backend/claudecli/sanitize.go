package claudecli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// maxJSONDepth bounds the value tree of an object-valued flag.
	maxJSONDepth = 10

	// maxJSONBytes bounds the encoded flag value.
	maxJSONBytes = 10240

	// maxNestingScan bounds bracket depth seen in a single pass over the
	// encoded string. Catches adversarial nesting that survives encoding.
	maxNestingScan = 20
)

// InvalidArgumentError reports a request parameter that failed validation
// before any subprocess was started.
type InvalidArgumentError struct {
	Param  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Param, e.Reason)
}

// shellMetaPatterns are rejected anywhere in an encoded JSON value. The
// subprocess is spawned via argv, never a shell, so this is defense in depth
// against the value later reaching a shell-interpreting consumer.
var shellMetaPatterns = []string{"$(", "`", "&&", "||", ">&", "<("}

// encodeJSONParam validates and encodes an object-valued flag. The returned
// string is safe to place in argv: bounded size and depth, no raw control
// bytes, no shell metacharacter patterns.
func encodeJSONParam(name string, value any) (string, error) {
	if err := checkDepth(value, 1); err != nil {
		return "", &InvalidArgumentError{Param: name, Reason: err.Error()}
	}

	// Encode without HTML escaping: the metacharacter scan below must see
	// the bytes a downstream consumer would see, not < entities.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return "", &InvalidArgumentError{Param: name, Reason: fmt.Sprintf("not encodable as JSON: %v", err)}
	}
	encoded := bytes.TrimRight(buf.Bytes(), "\n")
	if len(encoded) > maxJSONBytes {
		return "", &InvalidArgumentError{Param: name, Reason: fmt.Sprintf("encoded size %d exceeds %d bytes", len(encoded), maxJSONBytes)}
	}

	s := string(encoded)
	if err := scanEncoded(s); err != nil {
		return "", &InvalidArgumentError{Param: name, Reason: err.Error()}
	}
	return s, nil
}

// checkDepth walks the decoded value tree. Only maps and slices deepen it.
func checkDepth(v any, depth int) error {
	if depth > maxJSONDepth {
		return fmt.Errorf("nesting depth exceeds %d", maxJSONDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanEncoded makes one pass over the encoded string, checking character
// safety, bracket depth, and the shell-metacharacter denylist.
func scanEncoded(s string) error {
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0 {
			return fmt.Errorf("contains NUL byte")
		}
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return fmt.Errorf("contains raw control character 0x%02x", c)
		}
		switch c {
		case '{', '[':
			depth++
			if depth > maxNestingScan {
				return fmt.Errorf("bracket nesting exceeds %d", maxNestingScan)
			}
		case '}', ']':
			depth--
		case ';':
			if i+1 < len(s) && isWordByte(s[i+1]) {
				return fmt.Errorf("contains shell metacharacters")
			}
		case '|':
			if i+1 < len(s) && isWordByte(s[i+1]) {
				return fmt.Errorf("contains shell metacharacters")
			}
		}
	}
	for _, pat := range shellMetaPatterns {
		if strings.Contains(s, pat) {
			return fmt.Errorf("contains shell metacharacters")
		}
	}
	return nil
}

func isWordByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
