package util

import (
	"strings"
	"testing"
)

func TestIDs(t *testing.T) {
	c := NewCampaignID()
	if !strings.HasPrefix(c, "cmp_") || len(c) != 4+26 {
		t.Fatalf("unexpected campaign id %q", c)
	}
	a, b := NewDispatchID(), NewDispatchID()
	if !strings.HasPrefix(a, "dsp_") {
		t.Fatalf("unexpected dispatch id %q", a)
	}
	if a == b {
		t.Fatalf("ids collide: %q", a)
	}
}
