package secret

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("ESCROW_TEST_SECRET", "from-env")
	src := NewSource("ESCROW_TEST_SECRET", "jwt secret")
	src.isTerm = func(int) bool { t.Fatalf("terminal should not be consulted"); return false }
	got, err := src.Get()
	if err != nil || got != "from-env" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("ESCROW_TEST_SECRET", "  ")
	if _, err := NewSource("ESCROW_TEST_SECRET", "jwt secret").Get(); err == nil {
		t.Fatalf("expected error for blank env value")
	}
}

func TestSourcePromptsOnTerminal(t *testing.T) {
	var prompt bytes.Buffer
	calls := 0
	src := NewSource("", "jwt secret")
	src.prompt = &prompt
	src.isTerm = func(int) bool { return true }
	src.read = func(int) ([]byte, error) {
		calls++
		return []byte("typed"), nil
	}
	for i := 0; i < 2; i++ {
		got, err := src.Get()
		if err != nil || got != "typed" {
			t.Fatalf("got %q, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single prompt, got %d", calls)
	}
	if !strings.Contains(prompt.String(), "Enter jwt secret") {
		t.Fatalf("unexpected prompt %q", prompt.String())
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	src := NewSource("ESCROW_UNSET_SECRET", "jwt secret")
	src.isTerm = func(int) bool { return false }
	_, err := src.Get()
	if err == nil || !strings.Contains(err.Error(), "ESCROW_UNSET_SECRET") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSourceReadFailure(t *testing.T) {
	src := NewSource("", "jwt secret")
	src.prompt = &bytes.Buffer{}
	src.isTerm = func(int) bool { return true }
	src.read = func(int) ([]byte, error) { return nil, errors.New("boom") }
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected read error")
	}
}
