package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/vault"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: modelrelay keys <list|set|delete> [provider]")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "list":
		cfg, err := config.Load("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
			os.Exit(1)
		}
		ids := make([]string, 0, len(cfg.Providers))
		for id, pc := range cfg.Providers {
			if pc.Local {
				continue
			}
			ref := pc.KeyRef
			if ref == "" {
				ref = id
			}
			ids = append(ids, ref)
		}
		sort.Strings(ids)

		have := v.List(ids)
		if len(have) == 0 {
			fmt.Println("No API keys stored")
			return
		}
		for _, p := range have {
			fmt.Printf("  %s: ****\n", p)
		}

	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: modelrelay keys set <provider>")
			os.Exit(1)
		}
		provider := strings.ToLower(args[1])
		fmt.Printf("Enter API key(s) for %s (comma-separated for multiple): ", provider)
		key, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(provider, string(key)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		n := len(vault.SplitSecrets(string(key)))
		fmt.Printf("%d key(s) for %s stored successfully\n", n, provider)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: modelrelay keys delete <provider>")
			os.Exit(1)
		}
		provider := strings.ToLower(args[1])
		if err := v.Delete(provider); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Keys for %s deleted\n", provider)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
