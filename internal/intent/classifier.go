package intent

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Intent string

const (
	IntentConfirmed           Intent = "confirmed"
	IntentRescheduleRequested Intent = "reschedule_requested"
	IntentUnrecognized        Intent = "unrecognized"
)

type Result struct {
	Intent         Intent
	MatchedKeyword string
}

// rescheduleKeywords cover reschedule, cancellation, and every other "I am
// not coming as planned" phrasing. All of them route to the same human
// handoff, and all of them outrank a confirmation match: "sí, pero otro día"
// is a reschedule, never a confirmation. Patients write in Spanish and
// Portuguese, often mixed.
var rescheduleKeywords = []string{
	"no puedo",
	"no podre",
	"no podremos",
	"no voy a poder",
	"no voy",
	"no asistire",
	"no me es posible",
	"no me queda",
	"otro dia",
	"otro horario",
	"otra fecha",
	"otra hora",
	"cambiar la cita",
	"cambiar mi cita",
	"cambiar",
	"reagendar",
	"reprogramar",
	"posponer",
	"mas adelante",
	"mejor otro",
	"cancelar",
	"cancela",
	"cancelo",
	"anular",
	"imposible",
	"nao posso",
	"nao vou",
	"nao consigo",
	"outro dia",
	"outro horario",
	"remarcar",
	"desmarcar",
}

// confirmKeywords are whole words or phrases. Plain "si" is here, which is
// why matching is word-bounded: the "si" inside "asistir" must not count.
var confirmKeywords = []string{
	"si",
	"confirmo",
	"confirmado",
	"confirmada",
	"confirmamos",
	"confirmar",
	"ok",
	"okay",
	"vale",
	"dale",
	"claro",
	"perfecto",
	"correcto",
	"de acuerdo",
	"por supuesto",
	"ahi estare",
	"alli estare",
	"asistire",
	"voy",
	"sim",
	"pode confirmar",
	"✅",
	"👍",
	"👌",
}

type keywordSet struct {
	keywords []string
	patterns []*regexp.Regexp
}

func compileSet(keywords []string) keywordSet {
	set := keywordSet{keywords: keywords}
	for _, kw := range keywords {
		set.patterns = append(set.patterns, compileKeyword(kw))
	}
	return set
}

// compileKeyword builds a whole-word/phrase pattern. \b only works next to
// ASCII word characters, so emoji keywords get explicit space-or-edge anchors.
func compileKeyword(kw string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(kw)

	lead := `(?:^|\s)`
	if isWordRune(rune(kw[0])) {
		lead = `\b`
	}
	trail := `(?:\s|$)`
	if isWordRune(rune(kw[len(kw)-1])) {
		trail = `\b`
	}

	return regexp.MustCompile(lead + quoted + trail)
}

func isWordRune(r rune) bool {
	return r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// match returns the first keyword (in declaration order) whose pattern hits.
func (s keywordSet) match(text string) (string, bool) {
	for i, re := range s.patterns {
		if re.MatchString(text) {
			return s.keywords[i], true
		}
	}
	return "", false
}

// Classifier is stateless and safe for concurrent use.
type Classifier struct {
	reschedule keywordSet
	confirm    keywordSet
}

func NewClassifier() *Classifier {
	return &Classifier{
		reschedule: compileSet(rescheduleKeywords),
		confirm:    compileSet(confirmKeywords),
	}
}

// stripMarks builds a fresh accent-stripping transformer. Chained
// transformers carry state, so one per call keeps Classify goroutine-safe.
func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Classify normalizes the inbound text and matches it against the keyword
// tables. Reschedule/negative keywords take strict precedence over
// confirmation keywords.
func (c *Classifier) Classify(text string) Result {
	normed := c.normalize(text)
	if normed == "" {
		return Result{Intent: IntentUnrecognized}
	}

	if kw, ok := c.reschedule.match(normed); ok {
		return Result{Intent: IntentRescheduleRequested, MatchedKeyword: kw}
	}
	if kw, ok := c.confirm.match(normed); ok {
		return Result{Intent: IntentConfirmed, MatchedKeyword: kw}
	}

	return Result{Intent: IntentUnrecognized}
}

// normalize lowercases, strips accents and punctuation, and collapses
// whitespace. Emoji survive: they are symbols, not punctuation, and some of
// them carry the whole confirmation.
func (c *Classifier) normalize(text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))

	stripped, _, err := transform.String(stripMarks(), lowered)
	if err != nil {
		stripped = lowered
	}

	var b strings.Builder
	for _, r := range stripped {
		switch {
		case unicode.IsPunct(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
