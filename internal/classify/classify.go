// Package classify implements the first-pass query classifier and router:
// a pure function tagging an incoming query before the kernel is invoked,
// grounded on original_source's query_classifier.py pattern tables.
package classify

import (
	"regexp"
	"strings"
)

// QueryType is the classification of a user query's intent.
type QueryType string

const (
	TypeCasual     QueryType = "casual"
	TypeUtility    QueryType = "utility"
	TypeKnowledge  QueryType = "knowledge"
	TypeResearch   QueryType = "research"
	TypeMultimodal QueryType = "multimodal"
	TypeUnsafe     QueryType = "unsafe"
	TypeSystem     QueryType = "system"
)

// Attachment is an opaque reference to a user-supplied file/media item; the
// classifier only cares whether any are present.
type Attachment struct {
	Name string
	Kind string
}

// Result is the outcome of classifying one query.
type Result struct {
	QueryType        QueryType
	Confidence       float64
	BypassKernel     bool
	DetectedPatterns []string
	ExtractedURLs    []string
	Metadata         map[string]any
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

var casualPatterns = []string{
	"hello", "hi ", "hi!", "hey ", "hey!", "howdy", "greetings",
	"good morning", "good afternoon", "good evening", "good night",
	"bye", "goodbye", "see you", "take care", "later",
	"thank", "thanks", "thx", "appreciate",
	"ok", "okay", "got it", "understood", "sure", "alright", "yes", "no",
	"how are you", "what's up", "how's it going", "nice to meet",
}

var systemPatterns = []string{
	"settings", "configure", "config", "preferences",
	"help", "commands", "what can you do",
	"clear history", "reset", "start over",
}

var utilityPatterns = []string{
	"translate", "in english", "in indonesian", "to english", "to indonesian",
	"how do you say",
	"summarize", "summary", "tldr", "tl;dr", "in brief", "briefly",
	"give me the gist", "key points", "main points",
	"format", "reformat", "convert to", "make it", "rewrite",
	"bullet points", "numbered list", "as a table",
	"explain", "what is", "what are", "define", "meaning of",
	"eli5", "explain like", "simple terms",
}

var researchPatterns = []string{
	"research", "analyze", "investigate", "deep dive", "comprehensive",
	"compare", "contrast", "evaluate", "assess", "review",
	"financial", "earnings", "revenue", "market", "stock",
	"statistics", "data on", "trends", "forecast", "predict",
	"sources", "evidence", "studies", "papers", "reports",
	"verify", "validate", "fact check", "cross-reference",
}

var knowledgePatterns = []string{
	"who is", "who was", "when was", "when did", "where is", "where was",
	"how many", "how much", "how old", "how long", "how far",
	"capital of", "population of", "founder of", "ceo of",
}

var unsafePatterns = []string{
	"how to hack", "how to steal", "how to kill", "how to hurt",
	"illegal", "malware", "exploit", "bypass security",
	"social security", "credit card", "password", "ssn",
}

func matchesAny(lower string, patterns []string) (bool, string) {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true, p
		}
	}
	return false, ""
}

// Classify tags query with a QueryType and decides whether the kernel
// should be bypassed. Priority order (first match wins): attachments →
// URLs → unsafe → casual → system → utility → research → knowledge →
// length-based default.
func Classify(query string, attachments []Attachment, context map[string]any) Result {
	lower := strings.ToLower(strings.TrimSpace(query))

	if len(attachments) > 0 {
		return Result{
			QueryType:        TypeMultimodal,
			Confidence:       1.0,
			BypassKernel:     false,
			DetectedPatterns: []string{"has_attachments"},
			Metadata:         map[string]any{"attachment_count": len(attachments)},
		}
	}

	if urls := urlPattern.FindAllString(query, -1); len(urls) > 0 {
		return Result{
			QueryType:        TypeMultimodal,
			Confidence:       0.9,
			BypassKernel:     false,
			DetectedPatterns: []string{"contains_urls"},
			ExtractedURLs:    urls,
			Metadata:         map[string]any{"url_count": len(urls)},
		}
	}

	if ok, _ := matchesAny(lower, unsafePatterns); ok {
		return Result{QueryType: TypeUnsafe, Confidence: 0.95, BypassKernel: true, DetectedPatterns: []string{"unsafe_content"}}
	}

	if ok, _ := matchesAny(lower, casualPatterns); ok {
		return Result{QueryType: TypeCasual, Confidence: 0.9, BypassKernel: true, DetectedPatterns: []string{"casual_conversation"}}
	}

	if ok, _ := matchesAny(lower, systemPatterns); ok {
		return Result{QueryType: TypeSystem, Confidence: 0.85, BypassKernel: true, DetectedPatterns: []string{"system_command"}}
	}

	if ok, _ := matchesAny(lower, utilityPatterns); ok {
		return Result{QueryType: TypeUtility, Confidence: 0.85, BypassKernel: true, DetectedPatterns: []string{"utility_request"}}
	}

	if ok, _ := matchesAny(lower, researchPatterns); ok {
		return Result{QueryType: TypeResearch, Confidence: 0.9, BypassKernel: false, DetectedPatterns: []string{"research_request"}}
	}

	if ok, _ := matchesAny(lower, knowledgePatterns); ok {
		return Result{QueryType: TypeKnowledge, Confidence: 0.8, BypassKernel: true, DetectedPatterns: []string{"knowledge_question"}}
	}

	if len(strings.Fields(query)) <= 5 {
		return Result{QueryType: TypeKnowledge, Confidence: 0.6, BypassKernel: true, DetectedPatterns: []string{"short_query"}}
	}

	return Result{QueryType: TypeResearch, Confidence: 0.5, BypassKernel: false, DetectedPatterns: []string{"default_research"}}
}
