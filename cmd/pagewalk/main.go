package main

import (
	"fmt"
	"os"

	"github.com/unkn0wn-root/cursorpage/cmd/pagewalk/commands"
)

func main() {
	rootCmd := commands.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
