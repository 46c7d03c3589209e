package model

// UnknownLabel is reported when no class clears the confidence threshold.
const UnknownLabel = "unknown"

// StaticLabels is the fingerspelling alphabet recognised per frame.
var StaticLabels = []string{
	"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M",
	"N", "O", "P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z",
}

// DynamicLabels is the vocabulary of motion signs recognised over a window.
// The last entry is the background class.
var DynamicLabels = []string{
	"MORNING", "NIGHT", "COMPUTER", "WATER", "EAT",
	"HELLO", "THANKYOU", "YES", "NO", "QUESTION",
	"TIME", "DAY", "LEARN", "HOME", "WORK",
	"LOVE", "SICK", "BATHROOM", "CALL", "UNKNOWN",
}
