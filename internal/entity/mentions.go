package entity

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/scrypster/mnemo/pkg/types"
)

// MentionKind records how a mention was found.
type MentionKind int

const (
	KindName    MentionKind = iota // proper-noun heuristics
	KindListed                     // named in the candidate's related_entities
	KindPerson                     // @handle
	KindProject                    // #project
	KindLink                       // [[Wiki Link]]
)

// Mention is one entity-like span of text.
type Mention struct {
	Text      string      // surface form, markers removed
	Kind      MentionKind // how the mention was found
	Preceding string      // lowercased word right before the mention, if any
}

// Slug returns the mention's registry slug.
func (m Mention) Slug() string { return Slugify(m.Text) }

// Keys returns every registry key the mention may be stored under.
func (m Mention) Keys() []string {
	alias := NormalizeAlias(m.Text)
	keys := []string{Slugify(m.Text)}
	if alias != "" && alias != keys[0] {
		keys = append(keys, alias)
	}
	if canon, ok := canonicalNames[alias]; ok {
		keys = append(keys, Slugify(canon))
	}
	return keys
}

var (
	personMarker  = regexp.MustCompile(`(^|[^\w@])@([A-Za-z][\w.-]*[\w])`)
	projectMarker = regexp.MustCompile(`(^|[^\w&#])#([A-Za-z][\w-]*)`)
	linkMarker    = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)
)

// ExtractMentions returns the candidate's mentions: the listed
// related_entities first, then markers and proper nouns found in the title
// and content. Mentions are deduplicated by slug in order of first
// appearance; a later explicit marker upgrades an earlier plain mention.
func ExtractMentions(c types.Candidate) []Mention {
	var all []Mention
	for _, name := range c.RelatedEntities {
		all = append(all, listedMention(name))
	}
	all = append(all, scan(c.Title, true)...)
	all = append(all, ScanText(c.Content)...)
	return dedupMentions(all)
}

func listedMention(name string) Mention {
	name = strings.TrimSpace(name)
	switch {
	case strings.HasPrefix(name, "@"):
		return Mention{Text: strings.TrimPrefix(name, "@"), Kind: KindPerson}
	case strings.HasPrefix(name, "#"):
		return Mention{Text: strings.TrimPrefix(name, "#"), Kind: KindProject}
	}
	return Mention{Text: name, Kind: KindListed}
}

func dedupMentions(in []Mention) []Mention {
	index := make(map[string]int, len(in))
	out := make([]Mention, 0, len(in))
	for _, m := range in {
		slug := m.Slug()
		if slug == "" {
			continue
		}
		if i, ok := index[slug]; ok {
			if out[i].Kind < KindPerson && m.Kind >= KindPerson {
				out[i].Kind = m.Kind
			}
			if out[i].Preceding == "" {
				out[i].Preceding = m.Preceding
			}
			continue
		}
		index[slug] = len(out)
		out = append(out, m)
	}
	return out
}

// ScanText finds entity mentions in free text:
//   - explicit markers: @name, #project, [[Name]]
//   - runs of two or more capitalized words ("Acme Billing Service")
//   - mixed-case tokens ("PostgreSQL", "GitHub", "iOS")
//   - known technology names
//   - single capitalized words that neither start a sentence nor are stop words
func ScanText(text string) []Mention {
	return scan(text, false)
}

// scan implements ScanText. Title-case text (memory titles) only yields
// markers, mixed-case tokens and known technology names.
func scan(text string, titleCase bool) []Mention {
	var out []Mention

	blank := func(s string, loc []int) string {
		return s[:loc[0]] + strings.Repeat(" ", loc[1]-loc[0]) + s[loc[1]:]
	}

	for _, loc := range linkMarker.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, Mention{Text: strings.TrimSpace(text[loc[2]:loc[3]]), Kind: KindLink, Preceding: wordBefore(text, loc[0])})
	}
	for _, loc := range linkMarker.FindAllStringIndex(text, -1) {
		text = blank(text, loc)
	}
	for _, loc := range personMarker.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, Mention{Text: text[loc[4]:loc[5]], Kind: KindPerson})
	}
	for _, loc := range personMarker.FindAllStringSubmatchIndex(text, -1) {
		text = blank(text, []int{loc[4] - 1, loc[5]})
	}
	for _, loc := range projectMarker.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, Mention{Text: text[loc[4]:loc[5]], Kind: KindProject})
	}
	for _, loc := range projectMarker.FindAllStringSubmatchIndex(text, -1) {
		text = blank(text, []int{loc[4] - 1, loc[5]})
	}

	return append(out, scanProperNouns(text, titleCase)...)
}

type token struct {
	text          string
	sentenceStart bool
	preceding     string
	breakAfter    bool // punctuation ends a capitalized run
}

func tokenize(text string) []token {
	var toks []token
	sentenceStart := true
	prev := ""

	for _, field := range strings.Fields(text) {
		core := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if core == "" {
			if strings.ContainsAny(field, ".!?:") {
				sentenceStart = true
			}
			continue
		}

		last, _ := utf8.DecodeLastRuneInString(field)
		honorific := honorifics[strings.ToLower(core)]
		tok := token{
			text:          core,
			sentenceStart: sentenceStart,
			preceding:     prev,
			breakAfter:    !unicode.IsLetter(last) && !unicode.IsDigit(last) && !honorific,
		}
		toks = append(toks, tok)

		prev = strings.ToLower(core)
		sentenceStart = strings.ContainsRune(".!?:", last) && !honorific
	}
	return toks
}

func isCapitalized(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

// isMixedCase reports a lowercase letter plus an uppercase letter after the
// first rune: PostgreSQL, GitHub, iOS. All-caps words do not qualify.
func isMixedCase(s string) bool {
	hasLower, innerUpper := false, false
	for i, r := range s {
		if unicode.IsLower(r) {
			hasLower = true
		}
		if i > 0 && unicode.IsUpper(r) {
			innerUpper = true
		}
	}
	return hasLower && innerUpper
}

func scanProperNouns(text string, titleCase bool) []Mention {
	toks := tokenize(text)
	var out []Mention

	for i := 0; i < len(toks); i++ {
		tok := toks[i]

		if !isCapitalized(tok.text) && !isMixedCase(tok.text) {
			if techLexicon[strings.ToLower(tok.text)] {
				out = append(out, Mention{Text: tok.text, Preceding: tok.preceding})
			}
			continue
		}
		if isStopWord(tok.text) {
			continue
		}

		// Grow a run of capitalized words up to punctuation or a stop word.
		j := i
		for j+1 < len(toks) && !toks[j].breakAfter && isCapitalized(toks[j+1].text) && !isStopWord(toks[j+1].text) {
			j++
		}
		run := toks[i : j+1]
		i = j

		if len(run) >= 2 && !titleCase {
			words := make([]string, len(run))
			for k, t := range run {
				words[k] = t.text
			}
			out = append(out, Mention{Text: strings.Join(words, " "), Preceding: run[0].preceding})
			continue
		}
		for _, t := range run {
			if m, ok := singleWord(t, titleCase); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func singleWord(tok token, strict bool) (Mention, bool) {
	m := Mention{Text: tok.text, Preceding: tok.preceding}

	if _, ok := techLexicon[strings.ToLower(tok.text)]; ok {
		return m, true
	}
	if isMixedCase(tok.text) {
		return m, true
	}
	if strict || tok.sentenceStart {
		return Mention{}, false
	}
	// All-caps words outside the lexicon are usually emphasis or acronyms.
	if strings.ToUpper(tok.text) == tok.text {
		return Mention{}, false
	}
	return m, utf8.RuneCountInString(tok.text) > 1
}

func isStopWord(s string) bool {
	_, ok := stopWords[strings.ToLower(s)]
	return ok
}

func wordBefore(text string, end int) string {
	fields := strings.Fields(text[:end])
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(fields[len(fields)-1], ".,;:!?\"'()"))
}
