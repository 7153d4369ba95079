// Package engine は会話エンジンの抽象を提供する。
//
// エンジンはスナップショット上の会話履歴とユーザー発話を受け取り、
// アシスタント応答と更新後のエンジン内部状態を返す。エンジン内部状態の
// 中身は永続化層では解釈されず、そのまま次のターンに引き継がれる。
package engine

import (
	"context"
	"encoding/json"

	"github.com/hitoshi/chatd/internal/model"
)

// Turn はエンジンによる1ターンの生成結果を表す。
type Turn struct {
	Reply       string          // アシスタント応答の本文
	EngineState json.RawMessage // 更新後のエンジン内部状態
}

// ConversationEngine は会話応答の生成インターフェース。
type ConversationEngine interface {
	// Generate は会話履歴とユーザー発話からアシスタント応答を生成する。
	// historyはサニタイズ済みのコミット済み履歴で、userMessageは
	// 今回のターンのユーザー発話を表す。
	Generate(ctx context.Context, history []model.Message, engineState json.RawMessage, userMessage string) (*Turn, error)
}
