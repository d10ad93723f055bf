package docker

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRunCommandPublishesLoopbackPort(t *testing.T) {
	args, err := RunCommand("shipyard-web-abc", "shipyard/web:abc", "", "${PORT}")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-p 127.0.0.1:${PORT}:3000/tcp") {
		t.Fatalf("unexpected port mapping: %s", joined)
	}
	if !strings.Contains(joined, "-e PORT=3000") {
		t.Fatalf("expected PORT env: %s", joined)
	}
	if args[len(args)-1] != "shipyard/web:abc" {
		t.Fatalf("image must be last argument, got %q", args[len(args)-1])
	}
}

func TestRunCommandRejectsBadPort(t *testing.T) {
	if _, err := RunCommand("a", "b", "http", "1"); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestImageTagUsesShortID(t *testing.T) {
	tag := ImageTag("web", "0f8fad5b-d9cb-469f-a165-70867728950e")
	if tag != "shipyard/web:0f8fad5bd9cb" {
		t.Fatalf("unexpected tag %q", tag)
	}
	if name := ContainerName("web", ""); name != "shipyard-web-latest" {
		t.Fatalf("unexpected container name %q", name)
	}
}

func TestDecodeBuildOutput(t *testing.T) {
	stream := `{"stream":"Step 1/2 : FROM alpine\n"}
{"status":"Pulling","id":"abc","progress":"[==>  ]"}
{"aux":{"ID":"sha256:123"}}
`
	var lines []string
	if err := decodeBuildOutput(strings.NewReader(stream), func(line string) { lines = append(lines, line) }); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"Step 1/2 : FROM alpine", "abc Pulling [==>  ]", "image id: sha256:123"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q want %q", lines, want)
	}
}

func TestDecodeBuildOutputError(t *testing.T) {
	stream := `{"stream":"Step 1/1 : RUN false\n"}
{"errorDetail":{"message":"returned a non-zero code: 1"},"error":"returned a non-zero code: 1"}
`
	err := decodeBuildOutput(strings.NewReader(stream), nil)
	if err == nil || !strings.Contains(err.Error(), "non-zero code") {
		t.Fatalf("expected build error, got %v", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if err := c.RemoveImage(context.Background(), "x"); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from Ping, got %v", err)
	}
	if c.Host() != "" {
		t.Fatalf("expected empty host for nil client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil client: %v", err)
	}
}
