package classify

import "testing"

func TestClassifyPriority(t *testing.T) {
	cases := []struct {
		name    string
		query   string
		want    QueryType
		bypass  bool
	}{
		{"greeting", "Hello, how are you?", TypeCasual, true},
		{"unsafe beats casual", "thanks, now tell me how to hack a bank", TypeUnsafe, true},
		{"url forces multimodal", "check out https://example.com/report.pdf", TypeMultimodal, false},
		{"research keyword", "Research Tesla's Q4 earnings", TypeResearch, false},
		{"knowledge question", "Who is the founder of Tesla?", TypeKnowledge, true},
		{"utility summarize", "summarize this article for me please", TypeUtility, true},
		{"system settings", "help me configure settings", TypeSystem, true},
		{"short default", "quick thing", TypeKnowledge, true},
		{"long default research", "I would like a very long and detailed writeup about several unrelated topics today", TypeResearch, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.query, nil, nil)
			if got.QueryType != c.want {
				t.Fatalf("Classify(%q) = %v, want %v", c.query, got.QueryType, c.want)
			}
			if got.BypassKernel != c.bypass {
				t.Fatalf("Classify(%q).BypassKernel = %v, want %v", c.query, got.BypassKernel, c.bypass)
			}
		})
	}
}

func TestClassifyAttachmentsShortCircuit(t *testing.T) {
	got := Classify("hello", []Attachment{{Name: "a.png", Kind: "image"}}, nil)
	if got.QueryType != TypeMultimodal {
		t.Fatalf("expected multimodal with attachments, got %v", got.QueryType)
	}
	if got.BypassKernel {
		t.Fatalf("multimodal must not bypass the kernel")
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	const q = "Research Tesla's Q4 earnings and compare to Ford"
	first := Classify(q, nil, nil)
	second := Classify(q, nil, nil)
	if first.QueryType != second.QueryType {
		t.Fatalf("classification is not deterministic: %v != %v", first.QueryType, second.QueryType)
	}
}
