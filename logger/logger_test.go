package logger

import (
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestRecordChannelMessageAccumulates(t *testing.T) {
	RecordChannelMessage("test_channel", 42)
	RecordChannelMessage("test_channel", 8)

	v, ok := channels.Load("test_channel")
	if !ok {
		t.Fatal("channel stat was not created")
	}
	cs := v.(*channelStat)
	if got := atomic.LoadInt64(&cs.messages); got != 2 {
		t.Errorf("messages=%d want 2", got)
	}
	if got := atomic.LoadInt64(&cs.bytes); got != 50 {
		t.Errorf("bytes=%d want 50", got)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureTextFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("debug", "text", "stdout", 0); err != nil {
		t.Fatalf("Configure returned error: %v", err)
	}
}
