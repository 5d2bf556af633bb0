package auth

import "errors"

// Token Service 的错误分类；REST 层把它们统一映射为 401。
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpired           = errors.New("credential expired")
	ErrStaleCredential   = errors.New("stale credential")
	ErrIdentityNotFound  = errors.New("identity not found")
)
