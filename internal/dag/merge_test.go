package dag

import "testing"

func TestMergeArtifactsFirstDictConcat(t *testing.T) {
	store := NewArtifactStore()
	store.Put("s1", "a", 1)
	store.Put("s2", "a", 2)
	store.Put("s3", "b", "x")
	exec := NewExecutor(1, &stubTools{}, nil, nil)

	first, err := exec.mergeArtifacts(&WorkflowNode{ID: "m", MergeStrategy: MergeFirst, MergeInputs: []string{"a", "b"}}, store)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Output != 2 {
		t.Fatalf("expected newest-first value 2, got %v", first.Output)
	}

	dict, err := exec.mergeArtifacts(&WorkflowNode{ID: "m", MergeStrategy: MergeDict, MergeInputs: []string{"a", "b"}}, store)
	if err != nil {
		t.Fatalf("dict: %v", err)
	}
	out, ok := dict.Output.(map[string]any)
	if !ok || out["a"] != 2 || out["b"] != "x" {
		t.Fatalf("unexpected dict merge output: %#v", dict.Output)
	}

	concat, err := exec.mergeArtifacts(&WorkflowNode{ID: "m", MergeStrategy: MergeConcat, MergeInputs: []string{"a", "b"}}, store)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	items, ok := concat.Output.([]any)
	if !ok || len(items) != 3 {
		t.Fatalf("expected 3 concatenated values, got %#v", concat.Output)
	}
}

func TestMergeArtifactsCustomInvokesRegisteredFunc(t *testing.T) {
	store := NewArtifactStore()
	store.Put("s1", "a", 3)
	store.Put("s2", "a", 4)

	exec := NewExecutor(1, &stubTools{}, nil, nil)
	exec.CustomMergers = map[string]func([]string, *ArtifactStore) (any, error){
		"sum": func(inputs []string, store *ArtifactStore) (any, error) {
			total := 0
			for _, name := range inputs {
				for _, v := range store.FindByName(name) {
					if n, ok := v.(int); ok {
						total += n
					}
				}
			}
			return total, nil
		},
	}

	result, err := exec.mergeArtifacts(&WorkflowNode{
		ID: "m", MergeStrategy: MergeCustom, MergeInputs: []string{"a"}, MergeFunc: "sum",
	}, store)
	if err != nil {
		t.Fatalf("custom merge: %v", err)
	}
	if result.Output != 7 {
		t.Fatalf("expected custom merger sum 7, got %v", result.Output)
	}
}

func TestMergeArtifactsCustomFailsWithoutRegisteredFunc(t *testing.T) {
	store := NewArtifactStore()
	exec := NewExecutor(1, &stubTools{}, nil, nil)

	_, err := exec.mergeArtifacts(&WorkflowNode{
		ID: "m", MergeStrategy: MergeCustom, MergeInputs: []string{"a"}, MergeFunc: "missing",
	}, store)
	if err == nil {
		t.Fatal("expected error for an unregistered custom merge function")
	}
}
