package extract

// Words that never start, end or form a term on their own
var stopwords = toSet(
	"a", "an", "the", "and", "or", "but", "nor", "so", "yet", "if", "then", "than",
	"of", "in", "on", "at", "to", "for", "from", "by", "with", "without", "into", "onto",
	"about", "above", "below", "over", "under", "between", "among", "through", "during",
	"before", "after", "since", "until", "within", "across", "along", "around", "against",
	"is", "are", "was", "were", "be", "been", "being", "am",
	"has", "have", "had", "having", "do", "does", "did", "done",
	"can", "could", "will", "would", "may", "might", "must", "shall", "should",
	"it", "its", "it's", "this", "that", "these", "those", "there", "here",
	"he", "she", "they", "them", "their", "theirs", "his", "her", "hers", "him",
	"we", "us", "our", "you", "your", "i", "me", "my", "mine",
	"who", "whom", "whose", "which", "what", "when", "where", "why", "how",
	"not", "no", "yes", "all", "any", "both", "each", "every", "few", "many", "more",
	"most", "much", "other", "some", "such", "only", "own", "same", "very", "also",
	"just", "too", "as", "like", "well", "even", "still", "often", "usually",
	"however", "therefore", "thus", "although", "though", "because", "while", "whereas",
	"one", "two", "three", "first", "second", "new", "called", "known",
)

// Terms too generic to resolve to a useful concept
var genericTerms = toSet(
	"sentence", "paragraph", "text", "content", "information", "data",
	"thing", "way", "time", "year", "work", "case", "group", "number",
	"system", "process", "method", "result", "study", "research",
	"analysis", "example", "type", "kind", "form", "part", "area",
	"use", "used", "using", "made", "making", "take", "taken", "taking",
)

// Nouns whose trailing "s" is not a plural
var invariantNouns = toSet(
	"species", "series", "physics", "mathematics", "economics", "genetics",
	"diabetes", "news", "lens", "bias", "gas", "chaos", "mitochondria",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func isStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

func isGenericTerm(term string) bool {
	_, ok := genericTerms[term]
	return ok
}
