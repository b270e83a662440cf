package network

import "testing"

func TestIPLimiterCap(t *testing.T) {
	lim := newIPLimiter(1)
	if !lim.acquire("1.2.3.4") {
		t.Fatalf("expected first acquire")
	}
	if lim.acquire("1.2.3.4") {
		t.Fatalf("expected cap")
	}
	lim.release("1.2.3.4")
	if !lim.acquire("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1)
	if !lim.acquire("1.2.3.4") || !lim.acquire("2.3.4.5") {
		t.Fatalf("ips must be counted separately")
	}
	if lim.count("1.2.3.4") != 1 {
		t.Fatalf("count = %d", lim.count("1.2.3.4"))
	}
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := newIPLimiter(0)
	for i := 0; i < 10; i++ {
		if !lim.acquire("1.2.3.4") {
			t.Fatalf("zero cap must not limit")
		}
	}
}
