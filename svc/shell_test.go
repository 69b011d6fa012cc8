package svc

import (
	"bytes"
	"testing"
	"time"
)

func TestShellEchoesCommandOutput(t *testing.T) {
	s, err := newShell("echo hi", "")
	if err != nil {
		t.Fatalf("newShell: %v", err)
	}
	defer s.Close()

	var got bytes.Buffer
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk := <-s.Recv():
			got.Write(chunk)
			if bytes.Contains(got.Bytes(), []byte("hi")) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for output, got so far: %q", got.String())
		}
	}
}

func TestShellIsDoneAfterChildExits(t *testing.T) {
	s, err := newShell("true", "")
	if err != nil {
		t.Fatalf("newShell: %v", err)
	}
	defer s.Close()

	deadline := time.After(5 * time.Second)
	for !s.IsDone() {
		select {
		case <-s.Recv():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for IsDone")
		}
	}
}
