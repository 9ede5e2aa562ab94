package channel

import "testing"

func TestPrefixPolicyOutboundAppliesMarkerOnlyWhenShared(t *testing.T) {
	shared := NewPrefixPolicy(true)
	if got := shared.Outbound("hello"); got != "[gbot] hello" {
		t.Fatalf("expected marker on shared-identity channel, got %q", got)
	}

	distinct := NewPrefixPolicy(false)
	if got := distinct.Outbound("hello"); got != "hello" {
		t.Fatalf("expected no marker on distinct-identity channel, got %q", got)
	}
}

func TestPrefixPolicyOutboundSkipsEmptyText(t *testing.T) {
	shared := NewPrefixPolicy(true)
	if got := shared.Outbound(""); got != "" {
		t.Fatalf("expected empty text to stay empty, got %q", got)
	}
}

func TestPrefixPolicyDropInboundBreaksEchoLoop(t *testing.T) {
	shared := NewPrefixPolicy(true)
	if !shared.DropInbound(true, "[gbot] hello") {
		t.Fatal("expected a self-authored, marker-prefixed message to be dropped")
	}
	if shared.DropInbound(false, "[gbot] hello") {
		t.Fatal("expected a non-self message to never be dropped, even if prefixed")
	}
	if shared.DropInbound(true, "hello") {
		t.Fatal("expected a self-authored message without the marker to pass through")
	}
}

func TestPrefixPolicyDropInboundNeverAppliesOnDistinctIdentity(t *testing.T) {
	distinct := NewPrefixPolicy(false)
	if distinct.DropInbound(true, "[gbot] hello") {
		t.Fatal("expected distinct-identity channels to never drop on self-echo")
	}
}

func TestSplitMessageShortTextIsOneChunk(t *testing.T) {
	chunks := SplitMessage("hi", 10)
	if len(chunks) != 1 || chunks[0] != "hi" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
}

func TestSplitMessagePrefersNewlineBoundary(t *testing.T) {
	text := "one two\nthree four\nfive six"
	chunks := SplitMessage(text, 12)
	for _, c := range chunks {
		if len(c) > 12 {
			t.Fatalf("chunk exceeds limit: %q (%d bytes)", c, len(c))
		}
	}
	if joined := chunks[0] + chunks[1] + chunks[2]; joined != text {
		t.Fatalf("splitting lost content: got %q, want %q", joined, text)
	}
}

func TestSplitMessageFallsBackToHardLimitWithoutNewline(t *testing.T) {
	chunks := SplitMessage("aaaaaaaaaaaaaaaaaaaa", 5)
	for _, c := range chunks {
		if len(c) > 5 {
			t.Fatalf("chunk exceeds hard limit: %q", c)
		}
	}
}

func TestAddressCachePutGet(t *testing.T) {
	c := NewAddressCache()
	if _, ok := c.Get("u1"); ok {
		t.Fatal("expected empty cache to miss")
	}
	c.Put("u1", "chat-123")
	addr, ok := c.Get("u1")
	if !ok || addr != "chat-123" {
		t.Fatalf("expected chat-123, got %q (ok=%v)", addr, ok)
	}
}
