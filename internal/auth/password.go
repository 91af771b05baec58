package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// passwordSaltBytes 是每个口令哈希使用的随机盐长度。
const passwordSaltBytes = 16

// HashPassword 生成 "盐:摘要" 形式的口令哈希，存储层写入种子账号时复用。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password must not be blank")
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("draw random salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, password...))
	encoded := base64.RawStdEncoding
	return encoded.EncodeToString(salt) + ":" + encoded.EncodeToString(digest[:]), nil
}

// verifyPassword 重算摘要并做恒定时间比较，格式异常一律视为不匹配。
func verifyPassword(hashed, password string) bool {
	saltPart, digestPart, ok := strings.Cut(hashed, ":")
	if !ok {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(digestPart)
	if err != nil {
		return false
	}
	got := sha256.Sum256(append(salt, password...))
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}
