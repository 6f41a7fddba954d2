package tagbot

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"golang.org/x/crypto/argon2"
	"strings"
)

var errInvalidPasswordHash = errors.New("invalid password hash")

// passwordHashParams are the argon2id settings encoded into an
// [APIAdmin] password hash, in the PHC string format:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
type passwordHashParams struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

var defaultPasswordHashParams = passwordHashParams{
	Memory:  64 * 1024,
	Time:    1,
	Threads: 4,
	KeyLen:  32,
}

func (p passwordHashParams) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

func (p passwordHashParams) encode(salt, key []byte) string {
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Time,
		p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

// decodePasswordHash splits an encoded hash into its parameters,
// salt and derived key
func decodePasswordHash(encoded string) (passwordHashParams, []byte, []byte, error) {
	var p passwordHashParams
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return p, nil, nil, errInvalidPasswordHash
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %w", errInvalidPasswordHash, err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad salt: %w", errInvalidPasswordHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: bad key: %w", errInvalidPasswordHash, err)
	}
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// hashPassword derives an argon2id hash of password with a random salt
func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := defaultPasswordHashParams
	return p.encode(salt, p.key(password, salt)), nil
}

// VerifyPassword reports whether password matches an [APIAdmin]
// password hash
func VerifyPassword(storedHash, password string) (bool, error) {
	p, salt, key, err := decodePasswordHash(storedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, p.key(password, salt)) == 1, nil
}
