package auth

import "golang.org/x/crypto/bcrypt"

// hashPassword and comparePassword wrap bcrypt for user password storage.
// The teacher's own credential store never hashes a user-chosen secret (its
// API keys are opaque, compared directly), so this has no teacher file to
// ground on directly; bcrypt is the standard ecosystem choice for
// user-chosen password storage and is already an indirect dependency of
// the teacher's module graph via golang.org/x/crypto.
func hashPassword(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func comparePassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
