package keychain

import "testing"

func TestParseAccessibility(t *testing.T) {
	tests := []struct {
		in   string
		want Accessibility
	}{
		{"passcode", WhenPasscodeSetThisDeviceOnly},
		{"unlocked", WhenUnlocked},
		{"unlocked_this_device", WhenUnlockedThisDeviceOnly},
		{"first_unlock", AfterFirstUnlock},
		{"first_unlock_this_device", AfterFirstUnlockThisDeviceOnly},
		{"", WhenUnlocked},
		{"Passcode", WhenUnlocked},
		{"always", WhenUnlocked},
	}
	for _, tt := range tests {
		if got := ParseAccessibility(tt.in); got != tt.want {
			t.Errorf("ParseAccessibility(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAccessibilityOptionRoundTrip(t *testing.T) {
	for a := WhenUnlocked; a <= WhenPasscodeSetThisDeviceOnly; a++ {
		if got := ParseAccessibility(a.Option()); got != a {
			t.Errorf("ParseAccessibility(%q) = %v, want %v", a.Option(), got, a)
		}
	}
	if Accessibility(42).String() != "WhenUnlocked" {
		t.Errorf("out-of-range value should render as WhenUnlocked")
	}
}

func TestScopeService(t *testing.T) {
	if got := NewScope("", WhenUnlocked).Service(); got != "secure_storage.unlocked" {
		t.Errorf("default scope service = %q", got)
	}
	if got := NewScope("g1", WhenPasscodeSetThisDeviceOnly).Service(); got != "g1.passcode" {
		t.Errorf("g1 scope service = %q", got)
	}
}
