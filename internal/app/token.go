package app

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"horse.fit/bibcluster/internal/auth"
)

func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "token does not accept positional arguments")
		return 2
	}

	token, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
		return 1
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash token: %v\n", err)
		return 1
	}

	fmt.Printf("%s=%s\n", opsTokenEnv, token)
	fmt.Printf("OPS_TOKEN_HASH=%s\n", hash)
	return 0
}
