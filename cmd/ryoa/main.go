// ryoa はセッション認証とOAuthアカウント連携を提供するHTTPサーバー。
//
// 使い方:
//
//	ryoa [serve]     HTTPサーバーを起動する
//	ryoa migrate     データベースマイグレーションを適用する
//	ryoa sweep       期限切れセッションを削除する
//	ryoa healthcheck /health を確認する（コンテナのヘルスチェック用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/ryoa/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ryoa: %v\n", err)
		os.Exit(1)
	}
}
