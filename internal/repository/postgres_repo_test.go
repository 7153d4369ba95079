package repository

import (
	"errors"
	"testing"

	"github.com/lib/pq"
)

// 各PostgresリポジトリがインターフェースFを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
	var _ SnapshotStore = (*PostgresSnapshotRepo)(nil)
}

// コンストラクタが正しく初期化されることを検証
func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresUserRepo(nil) == nil {
		t.Fatal("expected non-nil user repo")
	}
	if NewPostgresIdentityRepo(nil) == nil {
		t.Fatal("expected non-nil identity repo")
	}
	if NewPostgresSnapshotRepo(nil) == nil {
		t.Fatal("expected non-nil snapshot repo")
	}
}

// 一意制約違反の判定ロジックを検証
func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: true},
		{name: "other pq error", err: &pq.Error{Code: "23503"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}
