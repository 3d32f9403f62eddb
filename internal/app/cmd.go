package app

import "fmt"

// Command はアプリケーションの起動モードを表す。
type Command string

// サブコマンド。リマインダーのタイマーと定期ジョブはserveプロセス内で動作するため、
// 独立したワーカーモードは持たない。
const (
	CommandServe       Command = "serve"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck" // distrolessイメージのHEALTHCHECK用
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数なしはserve。未知のサブコマンドは誤起動を避けるためエラーにする。
// 2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	cmd, ok := knownCommands[args[0]]
	if !ok {
		return "", fmt.Errorf("unknown command %q (available: serve, migrate, healthcheck)", args[0])
	}
	return cmd, nil
}
