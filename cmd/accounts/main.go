package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/accounts/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "signup":
		err = commandSignup(args)
	case "login":
		err = commandLogin(args)
	case "github":
		err = commandGitHub(args)
	case "whoami":
		err = commandWhoami(args)
	case "verify":
		err = commandVerify(args)
	case "logout":
		err = commandLogout()
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandSignup(args []string) error {
	fs := flag.NewFlagSet("signup", flag.ExitOnError)
	name := fs.String("name", "", "Display name (defaults to the email local part)")
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+apiclient.DefaultBaseURL+")")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret, err := readSecret(*password)
	if err != nil {
		return err
	}
	cfg, client, err := connect(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := client.Signup(ctx, *name, *email, secret)
	if err != nil {
		return err
	}
	return storeSession(cfg, resp)
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+apiclient.DefaultBaseURL+")")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret, err := readSecret(*password)
	if err != nil {
		return err
	}
	cfg, client, err := connect(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := client.Login(ctx, *email, secret)
	if err != nil {
		return err
	}
	return storeSession(cfg, resp)
}

// commandGitHub prints the consent URL, or completes the login when the
// callback's code and state are supplied.
func commandGitHub(args []string) error {
	fs := flag.NewFlagSet("github", flag.ExitOnError)
	code := fs.String("code", "", "Authorization code from the GitHub callback")
	state := fs.String("state", "", "State from the GitHub callback")
	apiBase := fs.String("api", "", "API base URL (default "+apiclient.DefaultBaseURL+")")
	fs.Parse(args)

	cfg, client, err := connect(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if strings.TrimSpace(*code) == "" {
		url, err := client.GitHubAuthorizeURL(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Open this URL to authorize, then rerun with --code and --state:")
		fmt.Println(url)
		return nil
	}
	if strings.TrimSpace(*state) == "" {
		return errors.New("--state is required with --code")
	}
	resp, err := client.GitHubLogin(ctx, *code, *state)
	if err != nil {
		return err
	}
	return storeSession(cfg, resp)
}

func commandWhoami(args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	cfg, client, err := connect(*apiBase)
	if err != nil {
		return err
	}
	if cfg.AccessToken == "" {
		return errors.New("not logged in")
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	user, err := client.Me(ctx, cfg.AccessToken)
	if err != nil {
		return err
	}
	fmt.Printf("%d\t%s\t%s\n", user.ID, user.Email, user.Name)
	return nil
}

func commandVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	token := fs.String("token", "", "Token to check (defaults to the saved token)")
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	cfg, client, err := connect(*apiBase)
	if err != nil {
		return err
	}
	candidate := strings.TrimSpace(*token)
	if candidate == "" {
		candidate = cfg.AccessToken
	}
	if candidate == "" {
		return errors.New("no token to verify")
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	user, valid, err := client.VerifyToken(ctx, candidate)
	if err != nil {
		return err
	}
	if !valid {
		return errors.New("token is not valid")
	}
	fmt.Printf("valid: user %d (%s)\n", user.ID, user.Email)
	return nil
}

func commandLogout() error {
	cfg, _ := loadConfig()
	cfg.AccessToken = ""
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func readSecret(flagValue string) (string, error) {
	secret := strings.TrimSpace(flagValue)
	if secret != "" {
		return secret, nil
	}
	fmt.Print("Password: ")
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(bytes), nil
}

func connect(apiBase string) (cliConfig, *apiclient.Client, error) {
	cfg, _ := loadConfig()
	if strings.TrimSpace(apiBase) != "" {
		cfg.APIBaseURL = apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, client, nil
}

func storeSession(cfg cliConfig, resp apiclient.AuthResponse) error {
	cfg.AccessToken = resp.Token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("%s (user %d, %s)\n", resp.Message, resp.User.ID, resp.User.Email)
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, nil
		}
		return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ACCOUNTS_CLI_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "accounts", "config.json"), nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "accounts CLI %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	accounts signup --email user@example.com [--name "Ada"] [--password secret] [--api http://localhost:5000]
	accounts login --email user@example.com [--password secret] [--api http://localhost:5000]
	accounts github [--code CODE --state STATE]
	accounts whoami
	accounts verify [--token TOKEN]
	accounts logout
	accounts version
`)
}
