package cli

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/pullmend/pullmend/api"
	"github.com/pullmend/pullmend/audit"
	"github.com/pullmend/pullmend/internal/archive"
	"github.com/pullmend/pullmend/internal/observability"
	vcs "github.com/pullmend/pullmend/internal/vcs/github"
	"github.com/pullmend/pullmend/lawbook"
	"github.com/pullmend/pullmend/remediation"
	"github.com/pullmend/pullmend/state"
)

var serveFlags struct {
	listen         string
	databaseURL    string
	environment    string
	lawbookPath    string
	githubToken    string
	githubAppID    string
	githubInstall  string
	githubKeyPath  string
	webhookSecret  string
	approvalSecret string
	s3Bucket       string
	s3Prefix       string
	s3Region       string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remediation control-plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&serveFlags.listen, "listen", ":8080", "listen address")
	flags.StringVar(&serveFlags.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	flags.StringVar(&serveFlags.environment, "environment", envOr("PULLMEND_ENV", "development"), "deployment environment tag")
	flags.StringVar(&serveFlags.lawbookPath, "lawbook", os.Getenv("PULLMEND_LAWBOOK"), "path to the lawbook YAML (builtin policy when empty)")
	flags.StringVar(&serveFlags.githubToken, "github-token", os.Getenv("GITHUB_TOKEN"), "GitHub token for API calls")
	flags.StringVar(&serveFlags.githubAppID, "github-app-id", os.Getenv("GITHUB_APP_ID"), "GitHub App id (App auth instead of token)")
	flags.StringVar(&serveFlags.githubInstall, "github-installation-id", os.Getenv("GITHUB_INSTALLATION_ID"), "GitHub App installation id")
	flags.StringVar(&serveFlags.githubKeyPath, "github-private-key", os.Getenv("GITHUB_PRIVATE_KEY_PATH"), "path to the GitHub App private key PEM")
	flags.StringVar(&serveFlags.webhookSecret, "webhook-secret", os.Getenv("PULLMEND_WEBHOOK_SECRET"), "GitHub webhook secret (webhook intake disabled when empty)")
	flags.StringVar(&serveFlags.approvalSecret, "approval-secret", os.Getenv("PULLMEND_APPROVAL_SECRET"), "shared secret for merge approval tokens")
	flags.StringVar(&serveFlags.s3Bucket, "s3-bucket", os.Getenv("PULLMEND_S3_BUCKET"), "S3 bucket for triage report archives (archival disabled when empty)")
	flags.StringVar(&serveFlags.s3Prefix, "s3-prefix", os.Getenv("PULLMEND_S3_PREFIX"), "S3 key prefix for archives")
	flags.StringVar(&serveFlags.s3Region, "s3-region", os.Getenv("PULLMEND_S3_REGION"), "S3 region for archives")
}

func runServe(ctx context.Context) error {
	if serveFlags.databaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}

	logger := observability.NewLogger("serve")

	db, err := openDB(ctx, serveFlags.databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	book := lawbook.Default()
	if serveFlags.lawbookPath != "" {
		book, err = lawbook.Load(serveFlags.lawbookPath)
		if err != nil {
			return err
		}
	}
	logger.Info("lawbook loaded", "event", "lawbook_loaded", "version", book.Version, "hash", book.Hash())

	client, err := newGitHubClient()
	if err != nil {
		return err
	}

	var archiver remediation.Archiver
	if serveFlags.s3Bucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket: serveFlags.s3Bucket,
			Prefix: serveFlags.s3Prefix,
			Region: serveFlags.s3Region,
		})
		if err != nil {
			return err
		}
		archiver = s3Archiver
	}

	metrics := observability.NewMetrics(nil)
	var sink audit.Sink = state.NewAuditSink(store)
	reg := state.NewActionRegistry(store)
	env := serveFlags.environment

	analyzer := remediation.NewTriageAnalyzer(client, metrics, observability.NewLogger("remediation.triage"))
	poller := remediation.NewPoller(client, client, metrics, observability.NewLogger("remediation.poller"))
	executor := remediation.NewRerunExecutor(client, client, reg, sink, env, metrics, observability.NewLogger("remediation.rerun"))
	gate := remediation.NewMergeGate(client, client, reg, sink,
		remediation.StaticApprovalVerifier{Secret: serveFlags.approvalSecret},
		env, metrics, observability.NewLogger("remediation.mergegate"))

	service, err := remediation.NewService(remediation.ServiceConfig{
		Store:       store,
		Analyzer:    analyzer,
		Poller:      poller,
		Executor:    executor,
		Gate:        gate,
		Lawbook:     book,
		Reporter:    vcs.NewDecisionReporter(store, client, observability.NewLogger("reporter.github")),
		Archiver:    archiver,
		AuditSink:   sink,
		Environment: env,
		Metrics:     metrics,
		Logger:      observability.NewLogger("remediation.service"),
	})
	if err != nil {
		return err
	}

	var webhook *api.WebhookHandler
	if serveFlags.webhookSecret != "" {
		webhook = api.NewWebhookHandler(serveFlags.webhookSecret, store, service, observability.NewLogger("api.webhook"))
	}

	handler := api.NewHTTPHandler(service, webhook, observability.NewLogger("api.http"))
	server := &http.Server{
		Addr:              serveFlags.listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("server starting",
		"event", "server_starting",
		"listen", serveFlags.listen,
		"environment", env,
		"webhooks", webhook != nil,
		"archival", archiver != nil,
	)
	return server.ListenAndServe()
}

func newGitHubClient() (*vcs.Client, error) {
	if serveFlags.githubAppID != "" {
		if serveFlags.githubKeyPath == "" {
			return nil, errors.New("github-private-key required with github-app-id")
		}
		pem, err := os.ReadFile(serveFlags.githubKeyPath)
		if err != nil {
			return nil, err
		}
		provider, err := vcs.NewAppTokenProvider(serveFlags.githubAppID, serveFlags.githubInstall, pem, "")
		if err != nil {
			return nil, err
		}
		return vcs.NewAppClient(provider), nil
	}
	if serveFlags.githubToken == "" {
		return nil, errors.New("github-token or GITHUB_TOKEN required")
	}
	return vcs.NewClient(serveFlags.githubToken), nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
