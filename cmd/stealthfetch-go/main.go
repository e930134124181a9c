package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/August26/stealthfetch-go/internal/analytics"
	"github.com/August26/stealthfetch-go/internal/captcha"
	"github.com/August26/stealthfetch-go/internal/config"
	"github.com/August26/stealthfetch-go/internal/dispatcher"
	"github.com/August26/stealthfetch-go/internal/geo"
	"github.com/August26/stealthfetch-go/internal/identity"
	"github.com/August26/stealthfetch-go/internal/logging"
	"github.com/August26/stealthfetch-go/internal/model"
	"github.com/August26/stealthfetch-go/internal/output"
	"github.com/August26/stealthfetch-go/internal/proxypool"
	"github.com/August26/stealthfetch-go/internal/ratelimit"
)

func main() {
	var (
		configPath   string
		inputFile    string
		singleURL    string
		outputFile   string
		outputFormat string
		concurrency  int
		verbose      bool
	)

	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.StringVar(&inputFile, "input", "", "path to file with one URL per line")
	flag.StringVar(&singleURL, "url", "", "single URL to fetch (alternative to -input)")
	flag.StringVar(&outputFile, "output", "", "optional path to write results (json/csv)")
	flag.StringVar(&outputFormat, "format", "json", "output format: json | csv")
	flag.IntVar(&concurrency, "concurrency", 10, "number of concurrent dispatches")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logs")

	flag.Parse()

	log := logging.NewLogger(verbose)

	urls, err := loadURLs(inputFile, singleURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var file *config.File
	if configPath != "" {
		file, err = config.Load(configPath)
		if err != nil {
			log.Error("failed to load config", "err", err, "path", configPath)
			os.Exit(1)
		}
	} else {
		file = &config.File{}
	}

	cfg := file.ToDispatch().Normalize()

	identities := identity.NewDefault()
	if profiles := file.BrowserProfiles(); profiles != nil {
		identities, err = identity.New(profiles)
		if err != nil {
			log.Error("invalid profiles in config", "err", err)
			os.Exit(1)
		}
	}

	var resolver model.IPResolver
	if file.GeoIPDB != "" {
		mm, err := geo.Open(file.GeoIPDB)
		if err != nil {
			log.Error("failed to open geoip database", "err", err, "path", file.GeoIPDB)
			os.Exit(1)
		}
		defer mm.Close()
		resolver = mm
	}

	endpoints, err := file.ProxyEndpoints()
	if err != nil {
		log.Error("failed to load proxies", "err", err)
		os.Exit(1)
	}
	pool := proxypool.New(endpoints, proxypool.Options{
		FailureThreshold: cfg.FailureThreshold,
		ReprobeInterval:  cfg.ReprobeInterval,
		Resolver:         resolver,
		Logger:           log,
	})

	ctx := context.Background()
	pool.StartReprobe(ctx)

	if file.ProxyFile != "" {
		err := config.WatchProxyFile(ctx, file.ProxyFile, log, func(eps []model.ProxyEndpoint) {
			pool.Reload(eps)
		})
		if err != nil {
			log.Warn("proxy file watch unavailable", "err", err)
		}
	}

	solver := captcha.New(captcha.Config{
		Enabled:  cfg.CaptchaSolvingEnabled,
		Provider: providerFor(file.Captcha),
	}, log)

	d := dispatcher.New(cfg, identities, pool, ratelimit.New(cfg, log), solver, log)

	log.Info("starting stealthfetch-go",
		"urls", len(urls),
		"proxies", pool.Len(),
		"profiles", identities.Len(),
		"concurrency", concurrency,
		"proxy_rotation", cfg.EnableProxyRotation,
		"identity_rotation", cfg.EnableIdentityRotation,
	)

	start := time.Now()
	results := dispatcher.RunBatch(ctx, d, urls, concurrency)
	duration := time.Since(start)

	stats := analytics.Compute(results, duration)

	log.Info("batch finished",
		"total_ms", stats.TotalProcessingTimeMs,
		"succeeded", stats.Succeeded,
		"total", stats.TotalRequests,
	)

	output.PrintResultsTable(os.Stdout, results)
	output.PrintSummary(os.Stdout, stats)

	if outputFile != "" {
		if err := output.WriteFile(outputFile, outputFormat, results, stats); err != nil {
			log.Error("failed to write output file", "err", err, "path", outputFile)
		} else {
			log.Info("results written",
				"path", outputFile,
				"format", outputFormat,
			)
		}
	}
}

// loadURLs merges -input and -url. At least one must be given.
func loadURLs(inputFile, singleURL string) ([]string, error) {
	var urls []string
	if inputFile != "" {
		f, err := os.Open(inputFile)
		if err != nil {
			return nil, fmt.Errorf("open url list: %w", err)
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scan url list: %w", err)
		}
	}
	if singleURL != "" {
		urls = append(urls, singleURL)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no URLs: pass -input or -url")
	}
	return urls, nil
}

func providerFor(section config.CaptchaSection) captcha.Provider {
	if !section.Enabled || section.APIKey == "" {
		return nil
	}
	switch section.Provider {
	case "anticaptcha":
		return &captcha.AntiCaptcha{APIKey: section.APIKey}
	default:
		return &captcha.TwoCaptcha{APIKey: section.APIKey}
	}
}
