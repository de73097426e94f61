package sandbox_test

import (
	"testing"

	"github.com/apkfoundry/af/sandbox"
)

func TestDeriveIDMapRejectsEqualBaseAndCaller(t *testing.T) {
	if _, err := sandbox.DeriveIDMap(1000, 1000); err == nil {
		t.Fatal("expected an error when s == u")
	}
}

func checkCoverage(t *testing.T, u, s int) {
	t.Helper()

	triples, err := sandbox.DeriveIDMap(u, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	insideCovered := map[int]bool{}
	outsideUsed := map[int]bool{}

	for _, tr := range triples {
		for i := range tr.Count {
			inside := tr.Inside + i
			outside := tr.Outside + i

			if insideCovered[inside] {
				t.Fatalf("inside id %d covered twice", inside)
			}
			insideCovered[inside] = true

			if outsideUsed[outside] {
				t.Fatalf("outside id %d used twice", outside)
			}
			outsideUsed[outside] = true
		}
	}

	for i := 0; i <= 65535; i++ {
		if !insideCovered[i] {
			t.Fatalf("inside id %d not covered", i)
		}
	}

	foundZeroHole := false
	foundSelfHole := false
	for _, tr := range triples {
		if tr.Count == 1 && tr.Inside == 0 && tr.Outside == s {
			foundZeroHole = true
		}
		if tr.Count == 1 && tr.Inside == u && tr.Outside == u {
			foundSelfHole = true
		}
	}
	if !foundZeroHole {
		t.Fatal("expected a hole mapping inside 0 to the subordinate base")
	}
	if !foundSelfHole {
		t.Fatal("expected a hole mapping the caller id to itself")
	}
}

func TestDeriveIDMapCoverage(t *testing.T) {
	cases := []struct{ u, s int }{
		{1000, 100000},
		{100000, 1000},
		{65535, 100000},
	}

	for _, c := range cases {
		checkCoverage(t, c.u, c.s)
	}
}
