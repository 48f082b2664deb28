// Command reportforge runs the carbon report generation service: the
// websocket planning/generation endpoint, the section edit and chunk
// ingestion API, and the prometheus scrape endpoint.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/openai/openai-go"
	"github.com/prometheus/client_golang/prometheus"
	backend "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"reportforge/pkg/agent"
	agentmetrics "reportforge/pkg/agent/middleware/metrics"
	"reportforge/pkg/config"
	"reportforge/pkg/dispatch"
	"reportforge/pkg/logx"
	"reportforge/pkg/metrics"
	"reportforge/pkg/persistence"
	"reportforge/pkg/pipeline"
	"reportforge/pkg/render"
	"reportforge/pkg/retrieval"
	"reportforge/pkg/session"
	"reportforge/pkg/templates"
	"reportforge/pkg/ws"
)

const dispatchWorkers = 4

func main() {
	var configPath string
	var createUser bool
	flag.StringVar(&configPath, "config", "reportforge.yaml", "path to config file")
	flag.BoolVar(&createUser, "create-user", false, "create a user account and exit")
	flag.Parse()

	if err := run(configPath, createUser); err != nil {
		fmt.Fprintf(os.Stderr, "reportforge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, createUser bool) error {
	// A missing .env is fine; keys may come from the environment directly.
	_ = godotenv.Load()

	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := persistence.Initialize(cfg.DBPath); err != nil {
		return err
	}
	defer func() { _ = persistence.Close() }()
	store := persistence.Ops()

	if createUser {
		return promptCreateUser(store)
	}
	if err := ensureFirstUser(store, logger); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	recorder := agentmetrics.NewPrometheusRecorder(registry)

	renderer, err := templates.NewRenderer()
	if err != nil {
		return err
	}
	pipe := pipeline.New(agent.NewFactory(cfg, recorder), renderer)

	dispatcher := dispatch.NewDispatcher(dispatchWorkers)
	dispatcher.Start()

	redisClient := backend.NewClient(&backend.Options{Addr: cfg.Redis.Addr})
	defer func() { _ = redisClient.Close() }()
	chunkStore := retrieval.NewStore(redisClient, retrieval.WithPrefix(cfg.Redis.KeyPrefix+":chunk:"))

	var embedder retrieval.Embedder
	var retriever session.ContextProvider
	if key := config.APIKey(config.ProviderOpenAI); key != "" {
		openAIEmbedder := retrieval.NewOpenAIEmbedder(key, openai.EmbeddingModel(cfg.Retrieval.EmbedModel))
		embedder = openAIEmbedder
		retriever = retrieval.NewRetriever(openAIEmbedder, chunkStore, renderer,
			retrieval.WithTopK(cfg.Retrieval.TopK))
	} else {
		logger.Warn("no OpenAI API key set; context retrieval and chunk ingestion are disabled")
	}

	var querySvc *metrics.QueryService
	if cfg.Server.PrometheusURL != "" {
		querySvc, err = metrics.NewQueryService(cfg.Server.PrometheusURL)
		if err != nil {
			return err
		}
	}

	server := ws.NewServer(ws.ServerDeps{
		Store:      store,
		Pipeline:   pipe,
		Dispatcher: dispatcher,
		Writer:     render.NewWriter(cfg.Server.ReportsDir),
		Retriever:  retriever,
		Embedder:   embedder,
		ChunkStore: chunkStore,
		QuerySvc:   querySvc,
		Registry:   registry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.StartServer(ctx, cfg.Server.ListenAddr)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := dispatcher.Stop(stopCtx); stopErr != nil {
		logger.Warn("dispatcher shutdown: %v", stopErr)
	}
	return err
}

// ensureFirstUser creates an admin account interactively when the users
// table is empty, so the HTTP API is never open without credentials.
func ensureFirstUser(store *persistence.Store, logger *logx.Logger) error {
	count, err := store.CountUsers()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if !term.IsTerminal(int(syscall.Stdin)) {
		return fmt.Errorf("no user accounts exist; run with -create-user on a terminal first")
	}

	logger.Info("no user accounts found, creating the first one")
	return promptCreateUser(store)
}

// promptCreateUser reads a username and password from the terminal and
// stores the account with a bcrypt hash.
func promptCreateUser(store *persistence.Store) error {
	fmt.Print("Username: ")
	reader := bufio.NewReader(os.Stdin)
	username, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read username: %w", err)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}

	fmt.Print("Password: ")
	password, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) == 0 {
		return fmt.Errorf("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := store.CreateUser(username, string(hash))
	if err != nil {
		return err
	}
	fmt.Printf("Created user %s (%s)\n", user.Username, user.ID)
	return nil
}
