// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーの役割を表す。
type Role string

const (
	// RoleUnset は役割未選択。
	RoleUnset Role = ""
	// RolePrimary は通知を送る側（Master）。
	RolePrimary Role = "primary"
	// RoleSecondary は通知に応答する側（Puppy）。
	RoleSecondary Role = "secondary"
)

// IsSet は役割が選択済みかどうかを返す。
func (r Role) IsSet() bool {
	return r == RolePrimary || r == RoleSecondary
}

// ParseRole は文字列から役割を解析する。
// "master"/"puppy" も別名として受け付ける。大文字小文字は区別しない。
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "master":
		return RolePrimary, true
	case "secondary", "puppy":
		return RoleSecondary, true
	default:
		return RoleUnset, false
	}
}

// Identity はユーザー1人のプロフィールを表す。
// BondedUserIDが空文字の場合は未ペア。
type Identity struct {
	ID           string
	Email        string
	DisplayName  string
	Role         Role
	BondedUserID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsBonded はペアが成立しているかを返す。
func (i *Identity) IsBonded() bool {
	return i.BondedUserID != ""
}

// IsBondedTo は指定ユーザーとペアになっているかを返す。
func (i *Identity) IsBondedTo(userID string) bool {
	return userID != "" && i.BondedUserID == userID
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
