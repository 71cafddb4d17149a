package routing

import (
	"regexp"
	"strings"
)

// explicitPattern captures a project name in group 1.
type explicitPattern struct {
	name string
	re   *regexp.Regexp
}

// explicitPatterns are tried in order; the first capture that resolves to a
// registered project wins. Names may contain inner dots ("api.v2") but never
// end in one, so sentence punctuation stays outside the capture.
var explicitPatterns = []explicitPattern{
	{"in_project", regexp.MustCompile(`(?i)\b(?:in|on|for)\s+(?:the\s+)?([\w-]+(?:\.[\w-]+)*)\s+(?:project|repo|app|codebase)\b`)},
	{"bracket", regexp.MustCompile(`\[([\w-]+(?:\.[\w-]+)*)\]`)},
	{"mention", regexp.MustCompile(`(?:^|\s)@([\w-]+(?:\.[\w-]+)*)`)},
	{"loose", regexp.MustCompile(`(?i)(?:\b(?:in|on|for)\s+|@|\[)\s*([\w-]+(?:\.[\w-]+)*)\]?`)},
	{"named_project", regexp.MustCompile(`(?i)\b(?:the\s+)?([\w-]+(?:\.[\w-]+)*)\s+(?:project|repo|app|codebase)\b`)},
}

// stopwords are never treated as project names even if a project contains them.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "me": true, "my": true, "we": true, "us": true, "our": true,
	"you": true, "your": true, "them": true, "their": true, "here": true, "there": true,
	"and": true, "or": true, "but": true, "to": true, "of": true, "in": true, "on": true,
	"for": true, "with": true, "at": true, "by": true, "is": true, "be": true, "all": true,
	"any": true, "some": true, "each": true, "every": true, "now": true, "then": true,
	"what": true, "which": true,
	// Idioms the loose pattern would otherwise read as "in <project>".
	"general": true, "case": true, "fact": true, "order": true, "short": true,
}

var (
	spaceRun       = regexp.MustCompile(`\s+`)
	spaceBeforeSep = regexp.MustCompile(`\s+([,;:.!?])`)
)

const edgePunct = " \t\r\n,;:-–—"

// stripSpan removes text[start:end] and tidies the whitespace and orphan
// punctuation left behind.
func stripSpan(text string, start, end int) string {
	out := text[:start] + " " + text[end:]
	out = spaceRun.ReplaceAllString(out, " ")
	out = spaceBeforeSep.ReplaceAllString(out, "$1")
	out = strings.TrimLeft(out, edgePunct+".!?")
	return strings.TrimRight(out, edgePunct)
}
