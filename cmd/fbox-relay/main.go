package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Metaphorme/fbox/internal/logging"
	"github.com/Metaphorme/fbox/pkg/relay"
)

// options 是中继的命令行参数
type options struct {
	listen         string
	dbPath         string
	passwordFile   string
	tokenFile      string
	phraseTTL      time.Duration
	phraseWords    int
	maxFiles       int
	gcEvery        time.Duration
	rateReqWindow  time.Duration
	rateMaxReqs    int
	rateFailWindow time.Duration
	rateMaxFails   int
	allowedOrigins string
	verbose        bool
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("fbox-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.listen, "listen", ":8080", "http listen addr")
	fs.StringVar(&o.dbPath, "db", "./relay.db", "sqlite path for the phrase table")
	fs.StringVar(&o.passwordFile, "password-file", "", "file holding the seed password (created if missing; empty = no password)")
	fs.StringVar(&o.tokenFile, "transfer-token-file", "", "file holding the bearer token of the file transfer service (created if missing; empty = internal routes off)")
	fs.DurationVar(&o.phraseTTL, "phrase-ttl", 30*time.Minute, "how long an unused phrase stays valid (0 = until the socket closes)")
	fs.IntVar(&o.phraseWords, "phrase-words", relay.DefaultPhraseWords, "words per phrase")
	fs.IntVar(&o.maxFiles, "max-files", relay.DefaultMaxFiles, "max files per session")
	fs.DurationVar(&o.gcEvery, "gc-every", time.Minute, "expired phrase sweep interval")

	fs.DurationVar(&o.rateReqWindow, "rate-req-window", time.Minute, "per-IP request rate window")
	fs.IntVar(&o.rateMaxReqs, "rate-max-reqs", 120, "max requests per IP within req-window")
	fs.DurationVar(&o.rateFailWindow, "rate-fail-window", 10*time.Minute, "per-IP failures window")
	fs.IntVar(&o.rateMaxFails, "rate-max-fails", 30, "max failed pairings per IP within fail-window")
	fs.StringVar(&o.allowedOrigins, "allowed-origins", "", "comma-separated websocket origins (empty = any)")
	fs.BoolVar(&o.verbose, "verbose", false, "print verbose logs")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	switch {
	case o.phraseTTL < 0:
		return o, errors.New("invalid -phrase-ttl")
	case o.phraseWords < 2 || o.phraseWords > 12:
		return o, errors.New("invalid -phrase-words, want 2..12")
	case o.maxFiles <= 0:
		return o, errors.New("invalid -max-files")
	case o.gcEvery <= 0:
		return o, errors.New("invalid -gc-every")
	case o.rateReqWindow <= 0:
		return o, errors.New("invalid -rate-req-window")
	case o.rateFailWindow <= 0:
		return o, errors.New("invalid -rate-fail-window")
	}
	return o, nil
}

// server 汇总中继运行所需的全部部件
type server struct {
	store *relay.PhraseStore
	hub   *relay.Hub
	http  *http.Server
}

func newServer(o options, l zerolog.Logger) (*server, error) {
	password, err := relay.LoadOrCreatePassword(o.passwordFile)
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	token, err := relay.LoadOrCreatePassword(o.tokenFile)
	if err != nil {
		return nil, fmt.Errorf("transfer token: %w", err)
	}
	store, err := relay.OpenPhraseStore(o.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open phrase db: %w", err)
	}
	limiter := relay.NewIPLimiter(o.rateReqWindow, o.rateMaxReqs, o.rateFailWindow, o.rateMaxFails)
	hub := relay.NewHub(relay.Config{
		Store:       store,
		Words:       relay.DefaultWords(),
		Password:    password,
		PhraseWords: o.phraseWords,
		PhraseTTL:   o.phraseTTL,
		MaxFiles:    o.maxFiles,
		Limiter:     limiter,
		Logger:      &l,
	})
	h := relay.NewHTTPHandlers(hub, limiter, relay.SplitCSV(o.allowedOrigins), logging.Component("http"))
	h.TransferToken = token
	return &server{
		store: store,
		hub:   hub,
		http: &http.Server{
			Addr:              o.listen,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *server) close() {
	s.hub.CloseAll()
	_ = s.store.Close()
}

func run(args []string, stderr io.Writer) int {
	o, err := parseOptions(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}
	l := logging.InitWithWriter(stderr, "fbox-relay", o.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(o, l)
	if err != nil {
		l.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer srv.close()

	// 启动周期清理（过期短语）
	go srv.hub.RunGC(ctx, o.gcEvery)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.http.ListenAndServe() }()
	l.Info().
		Str("listen", o.listen).
		Str("db", o.dbPath).
		Dur("phrase_ttl", o.phraseTTL).
		Int("phrase_words", o.phraseWords).
		Int("max_files", o.maxFiles).
		Bool("password", o.passwordFile != "").
		Bool("transfer_routes", o.tokenFile != "").
		Msg("fbox-relay up")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("http server")
			return 1
		}
	case <-ctx.Done():
		l.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// 已升级的 WebSocket 不受 Shutdown 管理，由 close 统一断开
		if err := srv.http.Shutdown(shutdownCtx); err != nil {
			l.Warn().Err(err).Msg("shutdown")
		}
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}
