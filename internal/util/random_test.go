package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomHex(t *testing.T) {
	if got := GenerateRandomHex(0); got != "" {
		t.Errorf("GenerateRandomHex(0) = %q, want empty", got)
	}
	if got := GenerateRandomHex(-1); got != "" {
		t.Errorf("GenerateRandomHex(-1) = %q, want empty", got)
	}

	hex := GenerateRandomHex(32)
	if len(hex) != 32 {
		t.Errorf("length = %d, want 32", len(hex))
	}
	for _, ch := range hex {
		if !strings.ContainsRune("0123456789abcdef", ch) {
			t.Errorf("unexpected character %q in hex string", ch)
		}
	}
}

func TestGenerateReportID(t *testing.T) {
	id := GenerateReportID()
	if !strings.HasPrefix(id, "ir_") {
		t.Errorf("report id %q must have ir_ prefix", id)
	}
	if len(id) != len("ir_")+16 {
		t.Errorf("report id length = %d", len(id))
	}
	if id == GenerateReportID() && id == GenerateReportID() {
		t.Error("consecutive report ids should not all collide")
	}
}
