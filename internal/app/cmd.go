package app

import (
	"errors"

	"github.com/hitoshi/connectauth/internal/model"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションの失効ジョブを実行するワーカーモードを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandCreateUser はIdentityを1件作成することを示す。
	CommandCreateUser Command = "create-user"
)

// ErrCreateUserUsage はcreate-userの引数が不足している場合のエラー。
var ErrCreateUserUsage = errors.New("usage: create-user <email> <password> [display name] [role]")

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "create-user":
		return CommandCreateUser
	default:
		return CommandServe
	}
}

// ParseCreateUserArgs はcreate-userの引数（サブコマンド名を除く）を解析する。
// ロールを省略した場合はuserになる。
func ParseCreateUserArgs(args []string) (model.NewIdentity, error) {
	if len(args) < 2 || args[0] == "" || args[1] == "" {
		return model.NewIdentity{}, ErrCreateUserUsage
	}

	in := model.NewIdentity{
		Email:    args[0],
		Password: args[1],
		Role:     model.RoleUser,
	}
	if len(args) > 2 {
		in.DisplayName = args[2]
	}
	if len(args) > 3 {
		role, err := model.ParseRole(args[3])
		if err != nil {
			return model.NewIdentity{}, err
		}
		in.Role = role
	}
	return in, nil
}
