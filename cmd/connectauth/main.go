// Command connectauth は認証APIサーバー・セッション失効ワーカー・マイグレーションを
// サブコマンドで切り替えて起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/connectauth/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "connectauth: %v\n", err)
		os.Exit(1)
	}
}
