package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/elimaine/clawfactory-sub000/pkg/config"
	"github.com/elimaine/clawfactory-sub000/pkg/keymanager"
	"github.com/elimaine/clawfactory-sub000/pkg/redact"
	"github.com/elimaine/clawfactory-sub000/pkg/storage"
)

const envFile = ".env"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "init":
		adminKey, err := generateAdminKey()
		if err != nil {
			log.Fatalf("failed to generate admin key: %v", err)
		}
		if err := writeAdminKey(adminKey); err != nil {
			log.Fatalf("failed to write .env: %v", err)
		}
		fmt.Printf("AdminKey: %s\nSaved to .env (ADMIN_KEY).\n", adminKey)
	case "keygen":
		handleKeygen(mustLoadConfig())
	case "capture":
		handleCapture(mustLoadConfig())
	case "entries":
		handleEntries(mustLoadConfig())
	case "stats":
		handleStats(mustLoadConfig())
	case "test-rule":
		handleTestRule(mustLoadConfig())
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("capture-admin commands:")
	fmt.Println("  init                 Generate admin key and store in .env")
	fmt.Println("  keygen               Create the capture encryption key")
	fmt.Println("     flags: -rotate (replace an existing key)")
	fmt.Println("  capture on|off|status")
	fmt.Println("                       Flip or show the capture toggle")
	fmt.Println("  entries              List captured exchanges, newest first")
	fmt.Println("     flags: -limit -offset -provider -status -q -json")
	fmt.Println("  stats                Aggregate statistics over the capture log")
	fmt.Println("  test-rule            Try a redaction rule against a sample")
	fmt.Println("     flags: -pattern -replacement -sample")
}

func mustLoadConfig() *config.Config {
	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("CAPTURE_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func generateAdminKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "admin_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// writeAdminKey sets ADMIN_KEY in .env, keeping any other entries.
func writeAdminKey(adminKey string) error {
	env, err := godotenv.Read(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env["ADMIN_KEY"] = adminKey
	if err := godotenv.Write(env, envFile); err != nil {
		return err
	}
	return os.Chmod(envFile, 0o600)
}

func handleKeygen(cfg *config.Config) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	rotate := fs.Bool("rotate", false, "Replace an existing key (older records become unreadable)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	km := keymanager.New(cfg.Capture.KeyPath)
	var err error
	if *rotate {
		_, err = km.RotateKey()
	} else {
		_, err = km.CreateKey()
	}
	if errors.Is(err, keymanager.ErrKeyExists) {
		log.Fatalf("key already exists at %s (use -rotate to replace it)", cfg.Capture.KeyPath)
	}
	if err != nil {
		log.Fatalf("failed to write key: %v", err)
	}
	fmt.Printf("Key written to %s\n", cfg.Capture.KeyPath)
	if !cfg.Capture.Encrypt {
		fmt.Println("Note: capture.encrypt is false; the key is unused until it is enabled.")
	}
}

func handleCapture(cfg *config.Config) {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}

	toggle := storage.NewToggle(cfg.Capture.TogglePath, true)
	switch os.Args[2] {
	case "on", "off":
		if err := toggle.Set(os.Args[2] == "on"); err != nil {
			log.Fatalf("failed to set capture state: %v", err)
		}
	case "status":
	default:
		usage()
		os.Exit(1)
	}

	state := "off"
	if toggle.Enabled() {
		state = "on"
	}
	fmt.Printf("capture: %s (toggle file: %s, encrypted: %v)\n", state, toggle.Path(), cfg.Capture.Encrypt)
}

func openLog(cfg *config.Config) *storage.Log {
	var sealer storage.Sealer
	if cfg.Capture.Encrypt {
		sealer = storage.NewAEADSealer(keymanager.New(cfg.Capture.KeyPath).KeyFile())
	}
	l, err := storage.NewLog(cfg.Capture.LogPath, nil, sealer)
	if err != nil {
		log.Fatalf("failed to open capture log: %v", err)
	}
	return l
}

func handleEntries(cfg *config.Config) {
	fs := flag.NewFlagSet("entries", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum entries to show")
	offset := fs.Int("offset", 0, "Entries to skip")
	provider := fs.String("provider", "", "Only this provider")
	status := fs.Int("status", 0, "Only this response status")
	search := fs.String("q", "", "Case-insensitive text search")
	asJSON := fs.Bool("json", false, "Print full records as JSON")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := openLog(cfg).List(ctx, storage.Query{
		Limit:    *limit,
		Offset:   *offset,
		Provider: *provider,
		Status:   *status,
		Search:   *search,
	})
	if err != nil {
		log.Fatalf("failed to read capture log: %v", err)
	}

	if *asJSON {
		b, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(b))
		return
	}
	if len(entries) == 0 {
		fmt.Println("No entries found")
		return
	}
	for i, e := range entries {
		fmt.Printf("%d) %s %s %-10s %s %s status=%d %dms tokens=%d/%d\n",
			*offset+i+1, e.Timestamp.Format(time.RFC3339), e.ID, e.Provider, e.Method, e.Path,
			e.ResponseStatus, e.DurationMs, e.TokensIn, e.TokensOut)
	}
}

func handleStats(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := openLog(cfg).Stats(ctx)
	if err != nil {
		log.Fatalf("failed to read capture log: %v", err)
	}
	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
}

func handleTestRule(cfg *config.Config) {
	fs := flag.NewFlagSet("test-rule", flag.ExitOnError)
	pattern := fs.String("pattern", "", "Regular expression")
	replacement := fs.String("replacement", "[REDACTED]", "Replacement text")
	sample := fs.String("sample", "", "Text to run the rule over")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	result, err := redact.TestRule(*pattern, *replacement, *sample, cfg.Redaction.TestTimeout)
	b, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(b))
	if err != nil {
		os.Exit(1)
	}
}
