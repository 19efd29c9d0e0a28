package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/ryoa/internal/model"
)

// MinSecretLength は署名鍵の最小バイト数。
const MinSecretLength = 32

// DefaultLeeway はnbf/iatの検証で許容する時計のずれ。
const DefaultLeeway = 30 * time.Second

// Claims はセッショントークンのクレーム。
// SubjectにユーザーIDを、SessionIDにセッション行のIDを持つ。
type Claims struct {
	SessionID string     `json:"sid"`
	Role      model.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID はSubjectに格納されたユーザーIDを返す。
func (c *Claims) UserID() string {
	return c.Subject
}

// TokenCodec はHS256でセッショントークンを署名・検証する。
// 署名鍵は生成時に一度だけ設定され、以後変更されない。
type TokenCodec struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// CodecOption はTokenCodecのオプション。
type CodecOption func(*TokenCodec)

// WithClock は検証と発行に使う現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		c.now = now
	}
}

// WithLeeway はnbf/iatの許容ずれを変更する。
func WithLeeway(d time.Duration) CodecOption {
	return func(c *TokenCodec) {
		c.leeway = d
	}
}

// NewTokenCodec はTokenCodecを生成する。secretが32バイト未満の場合はErrWeakSecretを返す。
func NewTokenCodec(secret []byte, issuer string, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}

	c := &TokenCodec{
		secret: append([]byte(nil), secret...),
		issuer: issuer,
		leeway: DefaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mint はクレームに発行者・発行時刻・有効期限を設定して署名済みトークンを返す。
func (c *TokenCodec) Mint(claims Claims, ttl time.Duration) (string, error) {
	if claims.SessionID == "" || claims.Subject == "" {
		return "", fmt.Errorf("session id and subject are required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive: %s", ttl)
	}

	now := c.now()
	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はトークンを検証してクレームを返す。
// 署名不正、HS256以外のアルゴリズム、形式不正、sid欠落、期限切れはすべてErrInvalidTokenとなる。
// base64urlは厳格にデコードし、末尾文字の未使用ビットが変わったトークンも拒否する。
// expは猶予なしで判定し、nbf/iatのみleewayを適用する。
func (c *TokenCodec) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
		jwt.WithStrictDecoding(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if claims.SessionID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if !claims.ExpiresAt.After(c.now()) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
