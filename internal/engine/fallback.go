package engine

import (
	"context"
	"encoding/json"
	"math/rand"

	"github.com/hitoshi/chatd/internal/model"
)

// FallbackResponses は応答を生成できないときに返す定型文。
// 上流エンジンの障害時にもターン自体は完結させ、会話を途切れさせない。
var FallbackResponses = []string{
	"Please try re-phrasing, I am likely having some trouble with that question.",
	"I will get better with time, please try with a different question.",
	"I wasn't able to process your input. Let's try something else.",
	"Something went wrong. Could you try again in a few seconds with a different question?",
	"Oops, that proved a tad difficult for me, can you retry with another question?",
}

// PickFallbackResponse は定型文からランダムに1つ返す。
func PickFallbackResponse() string {
	return FallbackResponses[rand.Intn(len(FallbackResponses))]
}

// fallbackState はFallbackEngineが持ち回る内部状態。
type fallbackState struct {
	TurnCount int `json:"turn_count"`
}

// FallbackEngine は常に定型文で応答するエンジン。
// 上流のLLMバックエンドが設定されていない環境や、疎通確認用に使う。
type FallbackEngine struct{}

// NewFallbackEngine はFallbackEngineを生成する。
func NewFallbackEngine() *FallbackEngine {
	return &FallbackEngine{}
}

// Generate は定型文の応答を返す。内部状態としてターン数を数えて持ち回る。
func (e *FallbackEngine) Generate(ctx context.Context, history []model.Message, engineState json.RawMessage, userMessage string) (*Turn, error) {
	var state fallbackState
	if len(engineState) > 0 {
		// 壊れた状態はゼロ値から数え直す
		_ = json.Unmarshal(engineState, &state)
	}
	state.TurnCount++

	updated, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	return &Turn{
		Reply:       PickFallbackResponse(),
		EngineState: updated,
	}, nil
}
