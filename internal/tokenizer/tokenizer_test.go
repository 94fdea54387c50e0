package tokenizer

import "testing"

func TestCountTextEmpty(t *testing.T) {
	e := New(nil)
	if got := e.CountText(""); got != 0 {
		t.Fatalf("CountText(\"\") = %d, want 0", got)
	}
}

func TestCountTextNonEmpty(t *testing.T) {
	e := New(nil)
	if got := e.CountText("hello"); got < 1 {
		t.Fatalf("CountText(hello) = %d, want >= 1", got)
	}
}

func TestCountTextMonotonic(t *testing.T) {
	e := New(nil)
	short := e.CountText("The quick brown fox.")
	long := e.CountText("The quick brown fox jumps over the lazy dog, again and again and again, until nobody is watching anymore.")
	if long <= short {
		t.Fatalf("longer text estimated at %d tokens, shorter at %d", long, short)
	}
}

func TestEstimateBodyStringContent(t *testing.T) {
	e := New(nil)
	body := []byte(`{"model":"m","system":"You are helpful.","messages":[{"role":"user","content":"What is the capital of France?"}]}`)
	if got := e.EstimateBody(body); got < 2 {
		t.Fatalf("EstimateBody = %d, want a plausible prompt estimate", got)
	}
}

func TestEstimateBodyBlockContent(t *testing.T) {
	e := New(nil)
	textOnly := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"describe this"}]}]}`)
	withImage := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"describe this"},{"type":"image","source":{"data":"aWdub3JlZA=="}}]}]}`)

	if e.EstimateBody(textOnly) != e.EstimateBody(withImage) {
		t.Fatal("non-text content blocks must not contribute to the estimate")
	}
}

func TestEstimateBodySystemArray(t *testing.T) {
	e := New(nil)
	body := []byte(`{"system":[{"type":"text","text":"first part"},{"type":"text","text":"second part"}],"messages":[]}`)
	if got := e.EstimateBody(body); got < 2 {
		t.Fatalf("EstimateBody = %d, want both system blocks counted", got)
	}
}

func TestEstimateBodyEmpty(t *testing.T) {
	e := New(nil)
	if got := e.EstimateBody([]byte(`{}`)); got != 0 {
		t.Fatalf("EstimateBody({}) = %d, want 0", got)
	}
}
