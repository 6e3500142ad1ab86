package store

import (
	"fmt"
	"sync"
	"testing"
)

func TestMemStoreMessages(t *testing.T) {
	s := NewMemStore()
	sess, err := s.CreateSession("test", "/tmp/project")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	id1, _ := s.AddMessage(sess.ID, "user", "hello", "", "")
	id2, _ := s.AddMessage(sess.ID, "assistant", "", "", `[{"id":"call_1"}]`)
	id3, _ := s.AddMessage(sess.ID, "tool", "result", "call_1", "")
	if id1 >= id2 || id2 >= id3 {
		t.Errorf("ids not monotonic: %d %d %d", id1, id2, id3)
	}

	msgs, err := s.GetMessages(sess.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].ToolCallsJSON == "" || msgs[2].ToolCallID != "call_1" {
		t.Error("tool call metadata not round-tripped")
	}
}

func TestMemStoreSessionMemory(t *testing.T) {
	s := NewMemStore()
	got, err := s.GetSessionMemory("missing")
	if err != nil || got != "" {
		t.Errorf("missing memory: got (%q, %v), want empty", got, err)
	}
	if err := s.SaveSessionMemory("sess1", "summary v1"); err != nil {
		t.Fatalf("SaveSessionMemory: %v", err)
	}
	if err := s.SaveSessionMemory("sess1", "summary v2"); err != nil {
		t.Fatalf("SaveSessionMemory: %v", err)
	}
	got, _ = s.GetSessionMemory("sess1")
	if got != "summary v2" {
		t.Errorf("memory = %q, want latest save", got)
	}
}

func TestMemStoreSessionLifecycle(t *testing.T) {
	s := NewMemStore()
	sess, _ := s.CreateSession("one", "/p1")
	if _, err := s.GetSession(sess.ID); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if _, err := s.GetSession("nope"); err == nil {
		t.Error("unknown session should error")
	}

	s.AddMessage(sess.ID, "user", "hi", "", "")
	s.AddToolLog(sess.ID, "read_file", `{"path":"a.go"}`, "ok")
	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	msgs, _ := s.GetMessages(sess.ID)
	if len(msgs) != 0 {
		t.Error("messages should be dropped with the session")
	}
	logs, _ := s.GetToolLogs(sess.ID)
	if len(logs) != 0 {
		t.Error("tool logs should be dropped with the session")
	}
}

func TestMemStoreConcurrentWrites(t *testing.T) {
	s := NewMemStore()
	sess, _ := s.CreateSession("c", "/p")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.AddMessage(sess.ID, "user", fmt.Sprintf("msg %d", n), "", "")
		}(i)
	}
	wg.Wait()

	msgs, _ := s.GetMessages(sess.ID)
	if len(msgs) != 20 {
		t.Fatalf("got %d messages, want 20", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatal("ids must be strictly increasing in insertion order")
		}
	}
}
