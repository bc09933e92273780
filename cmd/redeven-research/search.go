package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/floegence/redeven-research/internal/config"
	"github.com/floegence/redeven-research/internal/websearch"
)

func searchCmd(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path (default: ~/.redeven-research/config.json)")
	envFile := fs.String("env-file", ".env", "Environment file with the search API key")
	provider := fs.String("provider", "", "Web search provider: brave|static (empty: config)")
	kind := fs.String("kind", string(websearch.KindWeb), "Search vertical: web|images|videos")
	count := fs.Int("count", 5, "Number of results to return (max: 10)")
	format := fs.String("format", "json", "Output format: json|text")
	timeout := fs.Duration("timeout", 15*time.Second, "Search timeout")
	_ = fs.Parse(args)

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fs.Usage()
		os.Exit(2)
	}
	if err := loadEnv(*envFile, flagSet(fs, "env-file")); err != nil {
		fail("failed to load env file: %v", err)
	}
	cfg, _, err := loadConfig(*cfgPath, strings.TrimSpace(*cfgPath) != "")
	if err != nil {
		fail("%v", err)
	}

	providerID := strings.TrimSpace(strings.ToLower(*provider))
	if providerID == "" {
		providerID = cfg.AI.EffectiveWebSearchProvider()
	}
	if providerID == config.WebSearchDisabled {
		fail("web search is disabled in the config")
	}
	key := ""
	if providerID == websearch.ProviderBrave {
		env := cfg.AI.EffectiveWebSearchAPIKeyEnv()
		key = strings.TrimSpace(os.Getenv(env))
		if key == "" {
			fmt.Fprintf(os.Stderr, "missing web search api key for provider %q\n", providerID)
			fmt.Fprintf(os.Stderr, "Hint: set %s in the environment or the .env file.\n", env)
			os.Exit(1)
		}
	}

	client, err := websearch.NewClient(websearch.Options{Provider: providerID, APIKey: key})
	if err != nil {
		fail("failed to init web search: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := client.Search(ctx, websearch.SearchRequest{Query: query, Count: *count, Kind: websearch.Kind(*kind)})
	if err != nil {
		fail("search failed: %v", err)
	}

	switch strings.TrimSpace(strings.ToLower(*format)) {
	case "", "json":
		b, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fail("failed to encode result: %v", err)
		}
		fmt.Printf("%s\n", string(b))
	case "text":
		for i, item := range result.Results {
			url := strings.TrimSpace(item.URL)
			if url == "" {
				continue
			}
			title := strings.TrimSpace(item.Title)
			if title == "" {
				title = url
			}
			if snippet := strings.TrimSpace(item.Snippet); snippet != "" {
				fmt.Printf("%d. %s\n   %s\n   %s\n\n", i+1, title, url, snippet)
			} else {
				fmt.Printf("%d. %s\n   %s\n\n", i+1, title, url)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid --format: %q (want json|text)\n", strings.TrimSpace(*format))
		os.Exit(2)
	}
}
