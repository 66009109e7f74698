// Package main is a terminal client for the Workdesk chat server.
//
// Usage:
//
//	chatclient login -user <id> (-token <jwt> | -secret <key>)
//	chatclient chat [-server http://localhost:8080]
//	chatclient logout
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/workdesk/chat-app/internal/auth"
	"github.com/workdesk/chat-app/internal/localstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "login":
		runLogin(os.Args[2:])
	case "logout":
		runLogout(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: chatclient <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  login     Store the credential used by chat")
	fmt.Println("  logout    Forget the stored credential")
	fmt.Println("  chat      Open the interactive chat")
	fmt.Println()
	fmt.Println("Run 'chatclient <command> -h' for command-specific options.")
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "workdesk", "chat.db")
}

func openStore(path string) *localstore.Store {
	ls, err := localstore.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		os.Exit(1)
	}
	return ls
}

func runLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	storePath := fs.String("store", defaultStorePath(), "local credential store")
	userID := fs.String("user", "", "employee id")
	name := fs.String("name", "", "display name")
	token := fs.String("token", "", "bearer token issued by the HR app")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "signing key used to mint a development token when -token is empty")
	ttl := fs.Duration("ttl", 24*time.Hour, "lifetime of a minted token")
	fs.Parse(args)

	if *token == "" {
		if *userID == "" || *secret == "" {
			fmt.Fprintln(os.Stderr, "login needs -token, or -user with -secret")
			os.Exit(1)
		}
		t, err := auth.NewVerifier(*secret).Issue(*userID, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		*token = t
	}
	if *userID == "" {
		id, err := auth.PeekUserID(*token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "token has no user: %v\n", err)
			os.Exit(1)
		}
		*userID = id
	}

	ls := openStore(*storePath)
	defer ls.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ls.SaveSession(ctx, *token, localstore.User{ID: *userID, Name: *name}); err != nil {
		fmt.Fprintf(os.Stderr, "save session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Signed in as %s\n", *userID)
}

func runLogout(args []string) {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	storePath := fs.String("store", defaultStorePath(), "local credential store")
	fs.Parse(args)

	ls := openStore(*storePath)
	defer ls.Close()

	if err := ls.Clear(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "clear session: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Signed out")
}
