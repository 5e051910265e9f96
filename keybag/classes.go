package keybag

import "fmt"

// Protection classes. 1-4 are file classes, 6-11 keychain classes.
const (
	ClassComplete                       uint32 = 1
	ClassCompleteUnlessOpen             uint32 = 2
	ClassCompleteUntilFirstUserAuth     uint32 = 3
	ClassNone                           uint32 = 4
	ClassKeychainWhenUnlocked           uint32 = 6
	ClassKeychainAfterFirstUnlock       uint32 = 7
	ClassKeychainAlways                 uint32 = 8
	ClassKeychainWhenUnlockedThisDevice uint32 = 9
	ClassKeychainAfterFirstUnlockDevice uint32 = 10
	ClassKeychainAlwaysThisDevice       uint32 = 11
)

var classNames = map[uint32]string{
	ClassComplete:                       "NSFileProtectionComplete",
	ClassCompleteUnlessOpen:             "NSFileProtectionCompleteUnlessOpen",
	ClassCompleteUntilFirstUserAuth:     "NSFileProtectionCompleteUntilFirstUserAuthentication",
	ClassNone:                           "NSFileProtectionNone",
	5:                                   "NSFileProtectionRecovery?",
	ClassKeychainWhenUnlocked:           "kSecAttrAccessibleWhenUnlocked",
	ClassKeychainAfterFirstUnlock:       "kSecAttrAccessibleAfterFirstUnlock",
	ClassKeychainAlways:                 "kSecAttrAccessibleAlways",
	ClassKeychainWhenUnlockedThisDevice: "kSecAttrAccessibleWhenUnlockedThisDeviceOnly",
	ClassKeychainAfterFirstUnlockDevice: "kSecAttrAccessibleAfterFirstUnlockThisDeviceOnly",
	ClassKeychainAlwaysThisDevice:       "kSecAttrAccessibleAlwaysThisDeviceOnly",
}

// ClassName returns the API name of a protection class.
func ClassName(class uint32) string {
	if name, ok := classNames[class]; ok {
		return name
	}
	return fmt.Sprintf("class %d", class)
}
