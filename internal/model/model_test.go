package model

import "testing"

func TestNewEvaluatorMissingFile(t *testing.T) {
	_, err := NewEvaluator(map[string]string{"sni_classifier": "/nonexistent/path.onnx"})
	if err == nil {
		t.Fatal("expected error for missing model file")
	}
}

func TestEvaluateUnknownModel(t *testing.T) {
	e := &Evaluator{models: map[string]*loadedModel{}}
	if _, err := e.Evaluate("missing", []float32{1, 2}); err == nil {
		t.Fatal("expected error for unknown model name")
	}
}
