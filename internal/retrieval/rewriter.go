package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"dev.helix.symposium/internal/llm"
)

// Method names a query rewriting technique.
type Method string

const (
	// MethodParaphrase rephrases the query wholesale.
	MethodParaphrase Method = "paraphrase"
	// MethodKeywords reduces the query to its content terms.
	MethodKeywords Method = "keywords"
	// MethodQuestion converts the query to question form.
	MethodQuestion Method = "question"
	// MethodExpansion injects synonyms and related terms.
	MethodExpansion Method = "expansion"
	// MethodHybrid combines keywords, question and expansion output.
	MethodHybrid Method = "hybrid"
)

// ParseMethod validates a rewrite method name.
func ParseMethod(name string) (Method, error) {
	switch Method(name) {
	case MethodParaphrase, MethodKeywords, MethodQuestion, MethodExpansion, MethodHybrid:
		return Method(name), nil
	default:
		return "", fmt.Errorf("%w: unknown enhancement method %q", ErrInvalidConfig, name)
	}
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "of": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "and": true, "or": true, "but": true,
	"it": true, "its": true, "this": true, "that": true, "what": true,
	"which": true, "who": true, "how": true, "why": true, "do": true,
	"does": true, "did": true, "can": true, "could": true, "should": true,
	"would": true, "with": true, "about": true, "as": true, "by": true,
}

// defaultSynonyms seeds keyword expansion for philosophical debate
// vocabulary. Unknown terms simply expand to nothing.
var defaultSynonyms = map[string][]string{
	"free":          {"libertarian", "unconstrained"},
	"will":          {"volition", "agency"},
	"mind":          {"consciousness", "psyche"},
	"moral":         {"ethical", "normative"},
	"morality":      {"ethics"},
	"knowledge":     {"epistemology", "justified belief"},
	"truth":         {"veracity"},
	"determinism":   {"causal necessity"},
	"consciousness": {"awareness", "sentience"},
	"justice":       {"fairness", "equity"},
	"virtue":        {"excellence", "arete"},
	"good":          {"beneficial", "virtuous"},
	"evil":          {"harm", "vice"},
	"existence":     {"being", "ontology"},
	"meaning":       {"purpose", "significance"},
	"god":           {"deity", "divine being"},
	"soul":          {"spirit", "self"},
	"reason":        {"rationality", "logic"},
	"reality":       {"actuality", "the world"},
	"identity":      {"selfhood", "personal identity"},
}

// Rewriter produces bounded sets of alternative phrasings of a query.
// It never fails: any internal error degrades the output to the
// original query alone.
type Rewriter struct {
	completer llm.Completer
	synonyms  map[string][]string
	logger    *logrus.Logger
}

// NewRewriter creates a rewriter. The completer may be nil, in which
// case paraphrasing falls back to a lexical rewrite.
func NewRewriter(completer llm.Completer, logger *logrus.Logger) *Rewriter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Rewriter{
		completer: completer,
		synonyms:  defaultSynonyms,
		logger:    logger,
	}
}

// Enhance returns the original query as element 0 followed by up to
// count rewrites produced by the given method. The output always has
// at least one element and never contains empty strings.
func (r *Rewriter) Enhance(ctx context.Context, query string, method Method, count int) []string {
	out := []string{query}
	if count <= 0 || strings.TrimSpace(query) == "" {
		return out
	}

	var rewrites []string
	switch method {
	case MethodParaphrase:
		rewrites = r.paraphrase(ctx, query, count)
	case MethodKeywords:
		rewrites = r.keywords(query)
	case MethodQuestion:
		rewrites = r.question(query)
	case MethodExpansion:
		rewrites = r.expansion(query, count)
	case MethodHybrid:
		rewrites = r.hybrid(query, count)
	default:
		r.logger.WithField("method", method).Warn("Unknown enhancement method, returning original query only")
		return out
	}

	seen := map[string]bool{normalizeQuery(query): true}
	for _, rewrite := range rewrites {
		rewrite = strings.TrimSpace(rewrite)
		if rewrite == "" {
			continue
		}
		key := normalizeQuery(rewrite)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rewrite)
		if len(out) == count+1 {
			break
		}
	}
	return out
}

// paraphrase asks the completion capability for alternative phrasings,
// one per line, and falls back to a lexical keyword rewrite when the
// provider is missing or failing.
func (r *Rewriter) paraphrase(ctx context.Context, query string, count int) []string {
	if r.completer == nil {
		return r.keywords(query)
	}

	system := "You rephrase search queries. Reply with one alternative phrasing per line, nothing else."
	user := fmt.Sprintf("Rephrase this query %d different ways:\n%s", count, query)

	text, err := r.completer.Complete(ctx, system, user, llm.Options{MaxTokens: 256, Temperature: 0.8})
	if err != nil {
		r.logger.WithError(err).Warn("Paraphrase generation failed, falling back to keyword rewrite")
		return r.keywords(query)
	}

	var rewrites []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			rewrites = append(rewrites, line)
		}
	}
	return rewrites
}

// keywords strips stopwords down to the query's content terms.
func (r *Rewriter) keywords(query string) []string {
	var terms []string
	for _, term := range tokenize(query) {
		if !stopwords[term] {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return nil
	}
	return []string{strings.Join(terms, " ")}
}

// question converts the query into question forms.
func (r *Rewriter) question(query string) []string {
	trimmed := strings.TrimRight(strings.TrimSpace(query), "?.!")
	if trimmed == "" {
		return nil
	}
	if strings.HasSuffix(strings.TrimSpace(query), "?") {
		// Already a question; offer a declarative keyword variant.
		return r.keywords(query)
	}
	return []string{
		"what is " + trimmed + "?",
		"why does " + trimmed + " matter?",
	}
}

// expansion replaces known terms with synonyms, one substitution per
// rewrite, in term order.
func (r *Rewriter) expansion(query string, count int) []string {
	var rewrites []string
	lower := strings.ToLower(query)
	for _, term := range tokenize(query) {
		for _, synonym := range r.synonyms[term] {
			rewrites = append(rewrites, strings.Replace(lower, term, synonym, 1))
			if len(rewrites) >= count {
				return rewrites
			}
		}
	}
	return rewrites
}

// hybrid concatenates the deterministic methods; Enhance dedupes the
// combined output by normalized text.
func (r *Rewriter) hybrid(query string, count int) []string {
	var rewrites []string
	rewrites = append(rewrites, r.keywords(query)...)
	rewrites = append(rewrites, r.question(query)...)
	rewrites = append(rewrites, r.expansion(query, count)...)
	return rewrites
}

// normalizeQuery lowercases and collapses whitespace for dedupe.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
