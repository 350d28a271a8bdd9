// Package safety validates untrusted, externally generated command strings
// before they are handed to a process launcher. It is the only place in the
// codebase that converts a raw command string into an argument vector;
// everything downstream operates on the validated vector.
package safety

import (
	"fmt"
	"strings"
)

// Launchers that a command may start with. Anything else is rejected.
var allowedLaunchers = map[string]bool{
	"vol":  true,
	"vol3": true,
}

// Substrings that make a command unsafe regardless of position: shell control
// operators, redirection, newlines, and destructive or exfiltration tools.
var denySubstrings = []string{
	"&&", "||", ";", "|", "`", "$",
	">", ">>",
	"\n", "\r",
	"rm ", "del ", "format", "fdisk",
	"wget", "curl", "nc ",
}

// Metacharacters that must not appear inside any individual token. Checked
// again after tokenization as defense in depth beyond the substring scan.
const tokenMetaChars = "&|;`$\n\r"

// IsSafe reports whether a command passes the allow-list grammar. The second
// return value is a human-readable rejection reason when it does not.
func IsSafe(command string) (bool, string) {
	lowered := strings.ToLower(strings.TrimSpace(command))

	if !strings.HasPrefix(lowered, "vol ") && !strings.HasPrefix(lowered, "vol3 ") {
		return false, "command must start with 'vol' or 'vol3'"
	}

	for _, pattern := range denySubstrings {
		if strings.Contains(lowered, pattern) {
			return false, fmt.Sprintf("command contains forbidden pattern %q", strings.TrimSpace(pattern))
		}
	}

	return true, ""
}

// Tokenize splits a command into shell words with quote awareness, so quoted
// arguments containing spaces survive as a single token. Unbalanced quotes
// are an error.
func Tokenize(command string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		inToken bool
		quote   rune
	)

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else if r == '\\' && quote == '"' && i+1 < len(runes) {
				// Double quotes honor backslash escapes, single quotes do not.
				i++
				current.WriteRune(runes[i])
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("trailing backslash")
			}
			i++
			current.WriteRune(runes[i])
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unbalanced quote %q", quote)
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return tokens, nil
}

// ValidateArgv re-checks a token list: the first token must be an allowed
// launcher exactly, and no token may contain shell metacharacters.
func ValidateArgv(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty argument vector")
	}
	if !allowedLaunchers[argv[0]] {
		return fmt.Errorf("launcher %q is not allowed", argv[0])
	}
	for _, tok := range argv {
		if strings.ContainsAny(tok, tokenMetaChars) {
			return fmt.Errorf("suspicious character in argument %q", tok)
		}
	}
	return nil
}

// SafeArgv is the single entry point from untrusted text to a launchable
// argument vector: substring gate, quote-aware tokenization, then per-token
// re-validation. Callers must launch the returned vector directly, never the
// original string and never through a shell.
func SafeArgv(command string) ([]string, error) {
	if ok, reason := IsSafe(command); !ok {
		return nil, fmt.Errorf("security validation failed: %s", reason)
	}
	argv, err := Tokenize(command)
	if err != nil {
		return nil, fmt.Errorf("command parsing failed: %w", err)
	}
	if err := ValidateArgv(argv); err != nil {
		return nil, fmt.Errorf("security validation failed: %w", err)
	}
	return argv, nil
}
