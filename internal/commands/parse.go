package commands

import "strings"

// tokenize splits command text on whitespace. Single or double quotes group
// words and a backslash escapes the next byte.
//
//	/search_season "spy family" -> ["/search_season", "spy family"]
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		quote byte
		esc   bool
		open  bool
	)
	flush := func() {
		if buf.Len() > 0 || open {
			out = append(out, buf.String())
			buf.Reset()
		}
		open = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
				continue
			}
			buf.WriteByte(ch)
		case ch == '"' || ch == '\'':
			quote = ch
			open = true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseCommand extracts the command name and arguments from a message.
// ok is false for text that is not a command or that addresses another bot.
func parseCommand(text, botName string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	toks := tokenize(text)
	if len(toks) == 0 {
		return "", nil, false
	}
	name = strings.TrimPrefix(toks[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		target := name[at+1:]
		name = name[:at]
		if botName != "" && !strings.EqualFold(target, botName) {
			return "", nil, false
		}
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false
	}
	return name, toks[1:], true
}
