package authn

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. These match the teacher's go.mod dependency on
// golang.org/x/crypto (listed indirect there; promoted to a direct,
// exercised dependency here).
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// ErrMalformedHash is returned when a stored hash isn't in the expected
// $argon2id$v=19$m=...,t=...,p=...$salt$hash form.
var ErrMalformedHash = errors.New("authn: malformed password hash")

// HashPassword produces a PHC-formatted Argon2id hash for storage.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating password salt: %w", err)
	}
	sum := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifyPassword checks password against an encoded Argon2id hash.
func VerifyPassword(password, encoded string) (bool, error) {
	m, t, p, salt, sum, err := decodeArgon2Hash(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, t, m, p, uint32(len(sum)))
	return subtle.ConstantTimeCompare(candidate, sum) == 1, nil
}

func decodeArgon2Hash(encoded string) (memory uint32, time uint32, threads uint8, salt, sum []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	var v int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &v); err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	var mVal, tVal, pVal uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mVal, &tVal, &pVal); err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	sum, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrMalformedHash
	}
	return mVal, tVal, uint8(pVal), salt, sum, nil
}

// dummyHash is a fixed, pre-computed Argon2id hash with no corresponding
// real password. verifyDummy runs the same work a real verification would,
// so a lookup miss costs the same wall-clock time as a lookup hit followed
// by a wrong password (spec §4.3 step 6, timing equalization).
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$" +
	"x2pvxoDgCB0HLEH0TBLv6sc1S1aJHGELVdJgp27cFaM"

func verifyDummy(password string) {
	_, _ = VerifyPassword(password, dummyHash)
}
