package secrets

import (
	"context"
	"testing"
	"time"
)

func TestAcceptAndTake(t *testing.T) {
	s := NewService(time.Minute, nil)
	env := &Envelope{
		TaskID:     "task-1",
		Secrets:    map[string]string{"ANTHROPIC_API_KEY": "sk-xyz"},
		TimestampS: time.Now().Unix(),
		Nonce:      "nonce-1",
	}

	if err := s.Accept(context.Background(), env); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	got, ok := s.Take(context.Background(), "task-1")
	if !ok {
		t.Fatal("expected envelope to be pending")
	}
	if got.Secrets["ANTHROPIC_API_KEY"] != "sk-xyz" {
		t.Errorf("unexpected secrets payload: %v", got.Secrets)
	}

	if _, ok := s.Take(context.Background(), "task-1"); ok {
		t.Error("expected envelope to be consumed on first Take")
	}
}

func TestAcceptRejectsStaleTimestamp(t *testing.T) {
	s := NewService(time.Minute, nil)
	env := &Envelope{
		TaskID:     "task-1",
		Secrets:    map[string]string{"X": "y"},
		TimestampS: time.Now().Add(-time.Hour).Unix(),
		Nonce:      "nonce-1",
	}
	if err := s.Accept(context.Background(), env); err != ErrClockSkew {
		t.Errorf("expected ErrClockSkew, got %v", err)
	}
}

func TestAcceptRejectsReplayedNonce(t *testing.T) {
	s := NewService(time.Minute, nil)
	mk := func(nonce string) *Envelope {
		return &Envelope{TaskID: "task-1", Secrets: map[string]string{"X": "y"}, TimestampS: time.Now().Unix(), Nonce: nonce}
	}

	if err := s.Accept(context.Background(), mk("dup")); err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	if err := s.Accept(context.Background(), mk("dup")); err != ErrNonceReused {
		t.Errorf("expected ErrNonceReused, got %v", err)
	}
}

func TestDiscard(t *testing.T) {
	s := NewService(time.Minute, nil)
	_ = s.Accept(context.Background(), &Envelope{TaskID: "task-1", Secrets: map[string]string{"X": "y"}, TimestampS: time.Now().Unix(), Nonce: "n1"})
	s.Discard("task-1")
	if _, ok := s.Take(context.Background(), "task-1"); ok {
		t.Error("expected discarded envelope to be gone")
	}
}

func TestResolveEnvKnownKeyAliases(t *testing.T) {
	env := ResolveEnv(map[string]string{
		"CLAUDE_CODE_OAUTH_TOKEN": "tok",
		"GITHUB_TOKEN":            "gh",
		"CUSTOM_KEY":              "val",
	})

	cases := map[string]string{
		"CLAUDE_CODE_OAUTH_TOKEN": "tok",
		"CLAUDE_CODE_USE_OAUTH":   "1",
		"GITHUB_TOKEN":            "gh",
		"GH_TOKEN":                "gh",
		"CUSTOM_KEY":              "val",
	}
	for k, want := range cases {
		if got := env[k]; got != want {
			t.Errorf("env[%s] = %q, want %q", k, got, want)
		}
	}
}

func TestRedact(t *testing.T) {
	if Redact("short") != "****" {
		t.Error("expected short value fully masked")
	}
	got := Redact("sk-ant-abcdefgh12345678")
	if got != "sk-a...5678" {
		t.Errorf("unexpected redaction: %s", got)
	}
}
