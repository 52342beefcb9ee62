package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/llm"
	"github.com/loqalabs/loqa-captions/internal/quota"
	"github.com/loqalabs/loqa-captions/internal/translate"
	"github.com/loqalabs/loqa-captions/internal/usagestore"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'usage', 'translate' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "usage":
		err = runUsage(os.Args[2:])
	case "translate":
		err = runTranslate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("config", "captions.yaml", "Path to configuration file")
	_ = fs.Parse(args)
	if _, err := config.Load(*path); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

// runUsage prints today's masked usage from the persistent store.
func runUsage(args []string) error {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	path := fs.String("config", "captions.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if cfg.UsageStore.Mode != "sqlite" {
		return errors.New("usage store is in-memory; query the running daemon at /api/usage")
	}
	ctx := context.Background()
	store, err := usagestore.Open(ctx, cfg.UsageStore, quietLogger())
	if err != nil {
		return err
	}
	defer store.Close()

	q := quota.New(store, cfg.Quota.DailyLimitSeconds, quietLogger())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(q.MaskedUsage(ctx))
}

// runTranslate pushes one line through the configured cascade.
func runTranslate(args []string) error {
	fs := flag.NewFlagSet("translate", flag.ExitOnError)
	path := fs.String("config", "captions.yaml", "Path to configuration file")
	from := fs.String("from", "", "Source language (defaults to config)")
	to := fs.String("to", "", "Target language (defaults to config)")
	model := fs.String("model", "", "Refinement model, or none")
	_ = fs.Parse(args)

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("nothing to translate")
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *from == "" {
		*from = cfg.Translation.SourceLanguage
	}
	if *to == "" {
		*to = cfg.Translation.TargetLanguage
	}
	if *model == "" {
		*model = cfg.Translation.RefineModel
	}

	var gen llm.Generator
	if cfg.LLM.Enabled {
		if gen, err = llm.FromConfig(cfg.LLM); err != nil {
			return err
		}
	}
	cascade := translate.FromConfig(cfg.Translation, cfg.LLM, gen, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Transcript.TranslateTimeout)*time.Millisecond)
	defer cancel()
	res := cascade.TranslateResult(ctx, text, *from, *to, *model)
	fmt.Printf("%s\t(%s)\n", res.Text, res.Provider)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
