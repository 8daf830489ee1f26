package validation

import "testing"

func TestValidateSessionID(t *testing.T) {
	valid := []string{
		"abc123",
		"a1b2c3d4-e5f6-7890-abcd-ef1234567890",
		"session_1",
	}
	for _, id := range valid {
		if err := ValidateSessionID(id); err != nil {
			t.Errorf("ValidateSessionID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		"../escape",
		"has space",
		"slash/inside",
		"dot.inside",
	}
	for _, id := range invalid {
		if err := ValidateSessionID(id); err == nil {
			t.Errorf("ValidateSessionID(%q) = nil, want error", id)
		}
	}
}

func TestValidateBranchName(t *testing.T) {
	valid := []string{
		"main",
		"ampflow/fix-login-bug/20260314-092653",
		"feature/nested/branch",
	}
	for _, name := range valid {
		if err := ValidateBranchName(name); err != nil {
			t.Errorf("ValidateBranchName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		"has space",
		"double..dot",
		"-leading-dash",
		"ends.lock",
		"tilde~1",
		"star*glob",
	}
	for _, name := range invalid {
		if err := ValidateBranchName(name); err == nil {
			t.Errorf("ValidateBranchName(%q) = nil, want error", name)
		}
	}
}

func TestValidateThreadID(t *testing.T) {
	if err := ValidateThreadID(""); err != nil {
		t.Errorf("empty thread ID should be allowed (optional field), got %v", err)
	}
	if err := ValidateThreadID("T-0199a8c3"); err != nil {
		t.Errorf("ValidateThreadID(T-0199a8c3) = %v, want nil", err)
	}
	if err := ValidateThreadID("bad/thread"); err == nil {
		t.Error("ValidateThreadID with slash should fail")
	}
}
