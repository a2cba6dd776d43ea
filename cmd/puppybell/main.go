// Command puppybell はPuppyBellのAPIサーバー・ワーカー・管理コマンドを起動する。
//
//	puppybell [serve|worker|migrate|healthcheck|provision <email> [display name]]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/puppybell/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "puppybell: %v\n", err)
		os.Exit(1)
	}
}
