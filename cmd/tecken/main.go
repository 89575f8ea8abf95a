package main

import (
	"context"
	"fmt"
	"os"

	"github.com/adrianosela/tecken/internal/cmd"
)

func main() {
	root, err := cmd.NewRootCommand()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
