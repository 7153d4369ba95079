// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// ThreadStatus は会話スレッドの状態を表す。
type ThreadStatus string

const (
	// ThreadStatusActive はアクティブなスレッド状態。
	ThreadStatusActive ThreadStatus = "active"
	// ThreadStatusTombstoned は論理削除されたスレッド状態。
	// 以降のload/commitは全てThreadNotFoundになる。
	ThreadStatusTombstoned ThreadStatus = "tombstoned"
)

// Thread はユーザーが所有する独立したマルチターン会話を表す。
// 所有者のみがアクセスでき、明示的な削除要求で論理削除される。
type Thread struct {
	ID             string
	OwnerUserID    string
	Status         ThreadStatus
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// MessageRole はメッセージの発話者区分を表す。
type MessageRole string

const (
	// RoleUser はユーザー発話。
	RoleUser MessageRole = "user"
	// RoleAssistant はアシスタント応答。
	RoleAssistant MessageRole = "assistant"
	// RoleSystem はシステムメッセージ。
	RoleSystem MessageRole = "system"
)

// ValidRole はroleが許可された値かどうかを返す。
func ValidRole(role MessageRole) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message は会話の1発話を表す。
// Feedbackは直近のアシスタント応答に対するユーザー評価（-1.0〜1.0）。
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Feedback  *float64    `json:"feedback,omitempty"`
}

// Snapshot はスレッドの特定バージョン時点の会話状態全体を表す。
// versionはスレッドごとに単調増加し、同一スレッドでコミット済みの
// 2つのスナップショットが同じversionを持つことはない。
type Snapshot struct {
	ThreadID    string
	Version     int64
	Messages    []Message
	EngineState json.RawMessage // 会話エンジン内部のメタデータ。中身は解釈しない。
	CommittedAt time.Time
}

// Clone はスナップショットの深いコピーを返す。
// キャッシュ経由で共有されるスナップショットを呼び出し側が安全に変更するために使う。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	if s.EngineState != nil {
		c.EngineState = make(json.RawMessage, len(s.EngineState))
		copy(c.EngineState, s.EngineState)
	}
	return &c
}

// LastAssistantIndex は末尾に最も近いアシスタント応答のインデックスを返す。
// 存在しない場合は-1を返す。フィードバック記録で使用する。
func (s *Snapshot) LastAssistantIndex() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}
