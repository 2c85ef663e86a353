// Package command provides mention detection and command parsing for issue
// comment text. The detector finds trigger mentions in free-form text and the
// parser tokenizes the text that follows each mention into a structured command.
package command

import (
	"strings"
	"unicode"
)

// DefaultAction is used when a mention carries no action token.
const DefaultAction = "help"

// Command is one parsed command: an action, positional arguments in order,
// and key/value options.
type Command struct {
	Action    string            `json:"action"`
	Arguments []string          `json:"arguments"`
	Options   map[string]string `json:"options"`
}

// Parse tokenizes the raw text following a mention marker into a Command.
//
// Tokenization rules: tokens are whitespace-separated; single or double quotes
// group a token including embedded spaces with the quote characters stripped;
// `--key=value` becomes an option; a bare `--flag` becomes option flag="true";
// everything else is a positional argument. The first positional token is
// consumed as the action. Parse never fails: malformed quoting degrades to
// literal characters.
func Parse(text string) Command {
	cmd := Command{
		Action:    DefaultAction,
		Arguments: []string{},
		Options:   map[string]string{},
	}

	actionSet := false
	for _, tok := range tokenize(text) {
		if key, value, ok := parseOption(tok); ok {
			cmd.Options[key] = value
			continue
		}
		if !actionSet {
			cmd.Action = tok
			actionSet = true
			continue
		}
		cmd.Arguments = append(cmd.Arguments, tok)
	}

	return cmd
}

// tokenize splits text into whitespace-separated tokens with quote grouping.
// An unmatched quote is kept as a literal character.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	inToken := false

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if unicode.IsSpace(r) {
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
			continue
		}

		if r == '\'' || r == '"' {
			if end := findClosingQuote(runes, i); end > i {
				current.WriteString(string(runes[i+1 : end]))
				inToken = true
				i = end
				continue
			}
			// No closing quote: fall through and keep the character.
		}

		current.WriteRune(r)
		inToken = true
	}

	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func findClosingQuote(runes []rune, open int) int {
	quote := runes[open]
	for i := open + 1; i < len(runes); i++ {
		if runes[i] == quote {
			return i
		}
	}
	return -1
}

// parseOption interprets tokens of the form --key=value and --flag.
func parseOption(tok string) (key, value string, ok bool) {
	if !strings.HasPrefix(tok, "--") || len(tok) <= 2 {
		return "", "", false
	}
	body := tok[2:]
	if eq := strings.Index(body, "="); eq >= 0 {
		return body[:eq], body[eq+1:], true
	}
	return body, "true", true
}
