package keychain

// Accessibility controls when the OS makes an entry readable relative to
// device lock state.
type Accessibility int

const (
	WhenUnlocked Accessibility = iota
	WhenUnlockedThisDeviceOnly
	AfterFirstUnlock
	AfterFirstUnlockThisDeviceOnly
	WhenPasscodeSetThisDeviceOnly
)

var accessibilityNames = [...]string{
	WhenUnlocked:                   "WhenUnlocked",
	WhenUnlockedThisDeviceOnly:     "WhenUnlockedThisDeviceOnly",
	AfterFirstUnlock:               "AfterFirstUnlock",
	AfterFirstUnlockThisDeviceOnly: "AfterFirstUnlockThisDeviceOnly",
	WhenPasscodeSetThisDeviceOnly:  "WhenPasscodeSetThisDeviceOnly",
}

var accessibilityOptions = [...]string{
	WhenUnlocked:                   "unlocked",
	WhenUnlockedThisDeviceOnly:     "unlocked_this_device",
	AfterFirstUnlock:               "first_unlock",
	AfterFirstUnlockThisDeviceOnly: "first_unlock_this_device",
	WhenPasscodeSetThisDeviceOnly:  "passcode",
}

// ParseAccessibility maps an option string to an Accessibility.
// Unknown and empty strings map to WhenUnlocked.
func ParseAccessibility(s string) Accessibility {
	switch s {
	case "passcode":
		return WhenPasscodeSetThisDeviceOnly
	case "unlocked_this_device":
		return WhenUnlockedThisDeviceOnly
	case "first_unlock":
		return AfterFirstUnlock
	case "first_unlock_this_device":
		return AfterFirstUnlockThisDeviceOnly
	default:
		return WhenUnlocked
	}
}

func (a Accessibility) valid() bool {
	return a >= WhenUnlocked && a <= WhenPasscodeSetThisDeviceOnly
}

// String returns the canonical policy name.
func (a Accessibility) String() string {
	if !a.valid() {
		return accessibilityNames[WhenUnlocked]
	}
	return accessibilityNames[a]
}

// Option returns the option string that parses back to a.
func (a Accessibility) Option() string {
	if !a.valid() {
		return accessibilityOptions[WhenUnlocked]
	}
	return accessibilityOptions[a]
}
