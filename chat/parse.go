package chat

import (
	"strings"
	"unicode"
)

// Kind classifies a mentioned chat message.
type Kind int

const (
	// KindNone means the message does not address the bot.
	KindNone Kind = iota
	// KindPrompt is a bare mention with nothing after it.
	KindPrompt
	// KindCommand is a mention followed by exactly one zero-argument verb.
	KindCommand
	// KindTerms is a mention followed by a verb and a term list.
	KindTerms
	// KindChatter mentions the bot somewhere other than the leading token.
	KindChatter
)

func (k Kind) String() string {
	switch k {
	case KindPrompt:
		return "prompt"
	case KindCommand:
		return "command"
	case KindTerms:
		return "terms"
	case KindChatter:
		return "chatter"
	default:
		return "none"
	}
}

// Command is the parsed form of a message addressed to the bot.
type Command struct {
	Kind  Kind
	Verb  string
	Terms []string
}

// Mentions reports whether any whitespace-separated token of text is the
// mention, ignoring case and surrounding punctuation. "@feedbot!" matches;
// "@feedbotfan" and "x@feedbot.com" do not.
func Mentions(text, mention string) bool {
	if mention == "" {
		return false
	}
	for _, tok := range strings.Fields(text) {
		if strings.EqualFold(strings.TrimFunc(tok, isMentionPunct), mention) {
			return true
		}
	}
	return false
}

func isMentionPunct(r rune) bool {
	return strings.ContainsRune(",:;.!?()\"'", r)
}

// Parse tokenizes text on whitespace. The leading token must be the mention
// (compared case-insensitively, trailing ',' or ':' allowed); verbs are
// lowercased.
//
//	"@bot"                  -> KindPrompt
//	"@bot help"             -> KindCommand{Verb: "help"}
//	"@bot add a, b"         -> KindTerms{Verb: "add", Terms: [a b]}
//	"@bot update [x,y,z]"   -> KindTerms{Verb: "update", Terms: [x y z]}
//	"hey @bot"              -> KindChatter
func Parse(text, mention string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 || !Mentions(text, mention) {
		return Command{Kind: KindNone}
	}
	if !isMentionToken(fields[0], mention) {
		return Command{Kind: KindChatter}
	}
	switch len(fields) {
	case 1:
		return Command{Kind: KindPrompt}
	case 2:
		return Command{Kind: KindCommand, Verb: strings.ToLower(fields[1])}
	default:
		return Command{
			Kind:  KindTerms,
			Verb:  strings.ToLower(fields[1]),
			Terms: SplitTerms(strings.Join(fields[2:], " ")),
		}
	}
}

// isMentionToken accepts the leading token with a trailing ',' or ':'.
func isMentionToken(tok, mention string) bool {
	tok = strings.TrimRightFunc(tok, func(r rune) bool { return r == ',' || r == ':' })
	return strings.EqualFold(tok, mention)
}

// SplitTerms splits a comma separated list, optionally wrapped in [ ].
// Whitespace around each term is trimmed and empty terms are dropped.
func SplitTerms(s string) []string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimFunc(part, unicode.IsSpace)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
