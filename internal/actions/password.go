package actions

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"ctfsentinel/internal/state"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 50

	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*()-_=+[]{}|;:,.<>?"
)

var (
	memorableAdjectives = []string{"Swift", "Bold", "Cyber", "Elite", "Quick", "Smart", "Tech", "Code"}
	memorableNouns      = []string{"Hacker", "Ninja", "Warrior", "Master", "Expert", "Pro", "Team", "Squad"}
)

func ValidPolicy(p string) bool {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case state.PolicyRandom, state.PolicyFriendly, state.PolicyMemorable:
		return true
	}
	return false
}

func errInvalidPolicy(p string) error {
	return fmt.Errorf("unknown password policy %q (want %s, %s or %s)", p, state.PolicyRandom, state.PolicyFriendly, state.PolicyMemorable)
}

// ClampLength bounds a requested password length to [8, 50].
func ClampLength(n int) int {
	switch {
	case n < MinPasswordLength:
		return MinPasswordLength
	case n > MaxPasswordLength:
		return MaxPasswordLength
	}
	return n
}

// GeneratePassword returns a password following policy. Unknown policies fall
// back to random. The memorable policy ignores length.
func GeneratePassword(policy string, length int) string {
	length = ClampLength(length)
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case state.PolicyFriendly:
		return randomFrom(lowerChars+upperChars+digitChars, length)
	case state.PolicyMemorable:
		return fmt.Sprintf("%s%s%04d", pick(memorableAdjectives), pick(memorableNouns), randInt(10000))
	default:
		return randomPassword(length)
	}
}

// randomPassword guarantees one lower, upper, digit and symbol.
func randomPassword(length int) string {
	out := []byte{
		lowerChars[randInt(len(lowerChars))],
		upperChars[randInt(len(upperChars))],
		digitChars[randInt(len(digitChars))],
		symbolChars[randInt(len(symbolChars))],
	}
	all := lowerChars + upperChars + digitChars + symbolChars
	for len(out) < length {
		out = append(out, all[randInt(len(all))])
	}
	for i := len(out) - 1; i > 0; i-- {
		j := randInt(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func randomFrom(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[randInt(len(alphabet))]
	}
	return string(b)
}

func pick(words []string) string { return words[randInt(len(words))] }

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return int(v.Int64())
}
