// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizerService は会話メッセージの本文をサニタイズし、
// 保存された会話履歴をWeb UIで表示する際のXSS攻撃からユーザーを保護する。
// bluemondayライブラリの許可リストベースのポリシーを使用する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MessageSanitizerService は会話メッセージのサニタイズ機能のインターフェースを定義する。
// ターンのコミット前、ユーザー発話の保存時に使用される。
type MessageSanitizerService interface {
	// Sanitize はメッセージ本文をサニタイズして平文を返す。
	// 会話メッセージにHTMLマークアップは不要なため、全てのタグを除去する。
	// script, iframe, styleタグおよびon*イベント属性も当然除去される。
	// 前後の空白は取り除かれ、空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(content string) string
}

// messageSanitizer はMessageSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type messageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerServiceの新しいインスタンスを生成する。
// 会話メッセージは平文として扱うため、タグを一切許可しない
// StrictPolicyを使用する。
func NewMessageSanitizer() *messageSanitizer {
	return &messageSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はメッセージ本文をサニタイズして平文を返す。
// bluemondayはタグ除去後の残余をHTMLエスケープするため、
// 平文として保存できるようエスケープを戻してから返す。
func (s *messageSanitizer) Sanitize(content string) string {
	cleaned := s.policy.Sanitize(content)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}
