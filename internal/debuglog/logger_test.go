package debuglog

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitedfSuppressesRepeats(t *testing.T) {
	t.Setenv("MESHCHAT_DEBUG", "1")
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	for i := 0; i < 5; i++ {
		RateLimitedf("test-key", time.Hour, "drop %d", i)
	}
	if got := logs.FilterMessage("drop 0").Len(); got != 1 {
		t.Fatalf("expected first message logged once, got %d", got)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected repeats suppressed, got %d entries", logs.Len())
	}
}

func TestDebugfGatedByEnv(t *testing.T) {
	t.Setenv("MESHCHAT_DEBUG", "0")
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	Debugf("hidden")
	Logf("shown %s", "always")
	if logs.Len() != 1 || logs.All()[0].Message != "shown always" {
		t.Fatalf("unexpected entries: %+v", logs.All())
	}
}
