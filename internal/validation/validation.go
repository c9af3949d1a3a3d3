// Package validation implements the pure, stateless checks that the
// Message Router's handlers, the Execution Engine and the Project Manager
// run on each request's payload: path shape,
// project nesting, envelope JSON shape, prompt bounds, and the option
// whitelist. Struct-level checks are expressed with
// github.com/go-playground/validator/v10; the domain-specific checks
// (nesting, option whitelist, identifier shape) are hand-written predicates
// composed at the call site alongside the stock tag set.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStruct runs struct-tag validation (used for decoded `data` payloads).
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// identifierPattern matches the fixed, ASCII-safe project/connection ID
// shape: 1 to 128 ASCII letters, digits, underscores or dashes.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ValidIdentifier checks the syntactic shape of a project or connection ID.
func ValidIdentifier(id string) bool {
	return id != "" && identifierPattern.MatchString(id)
}

// CanonicalPath rejects a relative path and returns the lexically cleaned
// form of an absolute one. It does not touch the filesystem: it does not
// check that the path exists or is a directory.
func CanonicalPath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	return filepath.Clean(path), nil
}

// Overlaps reports whether a and b are the same directory, or one is an
// ancestor of the other, using a string-wise comparison with a trailing
// separator appended to avoid matching on a common prefix alone.
func Overlaps(a, b string) bool {
	a = strings.TrimRight(a, string(filepath.Separator))
	b = strings.TrimRight(b, string(filepath.Separator))
	if a == b {
		return true
	}
	aSep := a + string(filepath.Separator)
	bSep := b + string(filepath.Separator)
	return strings.HasPrefix(b, aSep) || strings.HasPrefix(a, bSep)
}

// WithinAllowedRoots reports whether path is under one of roots. An empty
// roots list means no restriction is configured.
func WithinAllowedRoots(path string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	for _, r := range roots {
		root := strings.TrimRight(r, string(filepath.Separator))
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ValidPrompt enforces the non-empty, bounded, no-null-byte prompt rule.
func ValidPrompt(prompt string, maxBytes int) error {
	if prompt == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	if len(prompt) > maxBytes {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", maxBytes)
	}
	if strings.ContainsRune(prompt, 0) {
		return fmt.Errorf("prompt contains a null byte")
	}
	return nil
}

// OptionSpec describes one whitelisted execute() option: its expected Go
// kind, checked with a type switch against the decoded JSON value.
type OptionSpec struct {
	Name string
	Kind OptionKind
}

// OptionKind enumerates the JSON value kinds an option may take.
type OptionKind int

const (
	KindString OptionKind = iota
	KindBool
	KindNumber
)

// ValidateOptions rejects any key not present in whitelist, and any
// present key whose value doesn't match the whitelisted kind. Unknown keys
// are a hard error, never silently dropped.
func ValidateOptions(options map[string]interface{}, whitelist []OptionSpec) error {
	allowed := make(map[string]OptionKind, len(whitelist))
	for _, spec := range whitelist {
		allowed[spec.Name] = spec.Kind
	}
	for key, value := range options {
		kind, ok := allowed[key]
		if !ok {
			return fmt.Errorf("unknown option %q", key)
		}
		if !matchesKind(value, kind) {
			return fmt.Errorf("option %q has the wrong type", key)
		}
	}
	return nil
}

func matchesKind(value interface{}, kind OptionKind) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindNumber:
		_, ok := value.(float64)
		return ok
	default:
		return false
	}
}

// DefaultOptionWhitelist is the set of execute() options the engine
// understands and will forward to the agent CLI as flags.
var DefaultOptionWhitelist = []OptionSpec{
	{Name: "model", Kind: KindString},
	{Name: "max_turns", Kind: KindNumber},
	{Name: "permission_mode", Kind: KindString},
	{Name: "verbose", Kind: KindBool},
}
