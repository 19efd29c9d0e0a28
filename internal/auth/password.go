package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params はArgon2idのコストパラメータ。
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

// DefaultArgon2Params は本番用のパラメータを返す（m=64MiB, t=3, p=4）。
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// TestArgon2Params はテスト用の軽量パラメータを返す。
func TestArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// PasswordHasher はArgon2idによるパスワードハッシュと検証を行う。
// ユーザーやセッションの知識を持たない純粋な処理。
type PasswordHasher struct {
	params Argon2Params
}

// NewPasswordHasher はPasswordHasherを生成する。
func NewPasswordHasher(params Argon2Params) *PasswordHasher {
	return &PasswordHasher{params: params}
}

// HashPassword はPHC形式のArgon2idダイジェストを返す。
// 形式: argon2id$v=19$m=65536,t=3,p=4$<salt_b64>$<hash_b64>
func (h *PasswordHasher) HashPassword(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("password is required")
	}

	p := h.params
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	enc := base64.RawStdEncoding
	return fmt.Sprintf(
		"argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Iterations,
		p.Parallelism,
		enc.EncodeToString(salt),
		enc.EncodeToString(key),
	), nil
}

// VerifyPassword はダイジェストと平文が一致するかを定数時間で比較する。
// ダイジェストに埋め込まれたパラメータで再計算するため、パラメータ変更後も旧ダイジェストを検証できる。
// 空の入力は常にfalseを返す。
func (h *PasswordHasher) VerifyPassword(digest, plaintext string) (bool, error) {
	if plaintext == "" || digest == "" {
		return false, nil
	}

	p, salt, want, err := parsePHC(digest)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(plaintext), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func parsePHC(s string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 5 {
		return Argon2Params{}, nil, nil, errors.New("invalid password hash format")
	}
	if parts[0] != "argon2id" {
		return Argon2Params{}, nil, nil, errors.New("unsupported password hash algorithm")
	}

	ver, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v="))
	if !strings.HasPrefix(parts[1], "v=") || err != nil || ver != argon2.Version {
		return Argon2Params{}, nil, nil, errors.New("unsupported argon2 version")
	}

	var p Argon2Params
	for _, kv := range strings.Split(parts[2], ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return Argon2Params{}, nil, nil, errors.New("invalid argon2 parameters")
		}
		switch key {
		case "m":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return Argon2Params{}, nil, nil, errors.New("invalid argon2 memory")
			}
			p.Memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return Argon2Params{}, nil, nil, errors.New("invalid argon2 iterations")
			}
			p.Iterations = uint32(v)
		case "p":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return Argon2Params{}, nil, nil, errors.New("invalid argon2 parallelism")
			}
			p.Parallelism = uint8(v)
		default:
			return Argon2Params{}, nil, nil, errors.New("unknown argon2 parameter")
		}
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return Argon2Params{}, nil, nil, errors.New("missing argon2 parameters")
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[3])
	if err != nil {
		return Argon2Params{}, nil, nil, errors.New("invalid argon2 salt")
	}
	hash, err := enc.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, errors.New("invalid argon2 hash")
	}
	if len(hash) < 16 {
		return Argon2Params{}, nil, nil, errors.New("invalid argon2 hash length")
	}
	return p, salt, hash, nil
}
