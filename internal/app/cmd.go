package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はループバックサーバーを起動し、画面からサインインさせる。
	CommandServe Command = "serve"
	// CommandLogin はサインインを1回だけ行い、結果を表示して終了する。
	CommandLogin Command = "login"
	// CommandMigrate は監査ログのデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認する。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "login":
		return CommandLogin
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
