package app

import (
	"database/sql"
	"strings"

	"trustline/internal/config"
	"trustline/internal/db"
	"trustline/internal/engine"
	"trustline/internal/migrate"
	"trustline/internal/notify"
)

// BuildEngine opens the workspace database, runs migrations, loads
// trustline.yml (or defaults when missing), and assembles the engine with
// its configured notifier. The caller owns the returned connection.
func BuildEngine(workspace string) (engine.Engine, *sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	if strings.TrimSpace(cfg.Notify.WebhookURL) != "" {
		e.Notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.TimeoutSeconds)
	}
	return e, conn, nil
}
