package bot

import (
	"strings"
	"unicode"
)

// splitArgs tokenizes a command line. Double or single quotes group words
// (display names with spaces); quotes do not nest and there is no escape
// character — chat input stays chat-simple.
func splitArgs(line string) []string {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		open  bool // a quote pair was opened for the current token
	)
	flush := func() {
		if cur.Len() > 0 || open {
			args = append(args, cur.String())
		}
		cur.Reset()
		open = false
	}

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			open = true
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return args
}

// popFlag removes flag from args if present and reports whether it was.
func popFlag(args []string, flag string) (bool, []string) {
	for i, a := range args {
		if a == flag {
			return true, append(args[:i:i], args[i+1:]...)
		}
	}
	return false, args
}
