package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/lgulliver/freight/pkg/auth"
	"github.com/lgulliver/freight/pkg/client"
	"github.com/lgulliver/freight/pkg/config"
	"github.com/lgulliver/freight/pkg/types"
	"github.com/rs/zerolog/log"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command> [args]

Commands:
  upload <file>               upload a file
  resume <upload-id> <file>   send the chunks an upload is missing and finalize it
  status <upload-id>          show upload progress
  cancel <upload-id>          cancel an upload
  token <subject>             print a bearer token signed with AUTH_JWT_SECRET

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		server      = flag.String("server", envOr("FREIGHT_SERVER", "http://localhost:8080"), "gateway base URL")
		token       = flag.String("token", os.Getenv("FREIGHT_TOKEN"), "bearer token")
		chunkSize   = flag.String("chunk-size", "", "chunk size, e.g. 8MB (default: server default)")
		name        = flag.String("name", "", "remote filename (default: local base name)")
		concurrency = flag.Int("concurrency", 4, "parallel chunk uploads")
		retries     = flag.Int("retries", 5, "retries per request")
		ttl         = flag.Duration("ttl", 24*time.Hour, "lifetime of tokens issued by the token command")
	)
	flag.Usage = usage
	flag.Parse()

	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sent int64
	c := client.New(client.Options{
		BaseURL:     *server,
		Token:       *token,
		RetryMax:    *retries,
		Concurrency: *concurrency,
		OnChunk: func(r *types.ChunkResult) {
			done := atomic.AddInt64(&sent, r.Size)
			log.Info().
				Int("chunk_index", r.ChunkIndex).
				Str("sent", units.BytesSize(float64(done))).
				Str("progress", fmt.Sprintf("%.0f%%", r.Progress*100)).
				Msg("chunk accepted")
		},
	})

	var (
		result interface{}
		err    error
	)
	switch cmd := args[0]; {
	case cmd == "upload" && len(args) == 2:
		var size int64
		if *chunkSize != "" {
			size, err = units.RAMInBytes(*chunkSize)
			if err != nil {
				log.Fatal().Err(err).Str("chunk_size", *chunkSize).Msg("invalid chunk size")
			}
		}
		result, err = c.UploadFile(ctx, args[1], client.UploadOptions{Filename: *name, ChunkSize: size})

	case cmd == "resume" && len(args) == 3:
		result, err = c.ResumeFile(ctx, args[1], args[2])

	case cmd == "status" && len(args) == 2:
		result, err = c.Status(ctx, args[1])

	case cmd == "cancel" && len(args) == 2:
		err = c.Cancel(ctx, args[1])
		result = types.CancelResult{UploadID: args[1], State: types.StateCancelled}

	case cmd == "token" && len(args) == 2:
		var signed string
		signed, err = auth.GenerateToken(args[1], cfg.Auth.JWTSecret, *ttl)
		if err == nil {
			fmt.Println(signed)
			return
		}

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		event := log.Error().Err(err).Str("command", args[0])
		if missing := missingChunks(err); len(missing) > 0 {
			event = event.Ints("missing_chunks", missing)
		}
		event.Msg("command failed")
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatal().Err(err).Msg("failed to write result")
	}
}

func missingChunks(err error) []int {
	var ue *types.UploadError
	if errors.As(err, &ue) {
		return ue.MissingChunks
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
