package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"status"},
		{"send"},
		{"queue", "list"},
		{"queue", "retry"},
		{"queue", "clear"},
		{"app", "foreground"},
		{"app", "background"},
		{"conv", "list"},
		{"conv", "open"},
		{"conv", "seen"},
		{"conv", "draft"},
		{"search"},
		{"watch"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Errorf("find %v: %v", path, err)
			continue
		}
		if got, want := cmd.Name(), path[len(path)-1]; got != want {
			t.Errorf("find %v resolved to %q", path, got)
		}
	}
}

func TestDialRejectsInvalidProfile(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--profile", "Not Valid", "status"})

	err := root.Execute()
	if err == nil {
		t.Fatal("expected an error for an invalid profile name")
	}
	if !strings.Contains(err.Error(), "invalid profile name") {
		t.Errorf("err = %v, want invalid profile name", err)
	}
}

func TestPrintConversations(t *testing.T) {
	var out bytes.Buffer
	printConversations(&out, nil)
	if got := out.String(); got != "no conversations\n" {
		t.Errorf("empty list printed %q", got)
	}

	out.Reset()
	printConversations(&out, []any{
		map[string]any{"id": "c1", "name": "Team", "unread_count": float64(1200), "last_message_preview": "see you"},
		map[string]any{"id": "c2"},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d lines, want 2: %q", len(lines), out.String())
	}
	if want := "Team (1,200 unread)  see you"; lines[0] != want {
		t.Errorf("line 1 = %q, want %q", lines[0], want)
	}
	if lines[1] != "c2" {
		t.Errorf("line 2 = %q, want the id when there is no name", lines[1])
	}
}
