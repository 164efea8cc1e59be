// Package app wires a workspace into a ready engine: open the store, apply
// migrations, load config and the logger. Shared by the CLI and the server.
package app

import (
	"database/sql"
	"log/slog"
	"path/filepath"

	"qpilot/internal/config"
	"qpilot/internal/db"
	"qpilot/internal/engine"
	"qpilot/internal/migrate"
)

// Context is the wired runtime for one workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Log       *slog.Logger

	closeLog func() error
}

// Open loads config from the workspace, opens and migrates the store and
// builds the engine. The caller must Close.
func Open(workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}

	// Opening the store also creates the workspace dot-directory, which the
	// default log file lives in.
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	logFile := cfg.Log.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(workspace, logFile)
	}
	logger, closeLog := config.SetupLogger(logFile, config.ParseLevel(cfg.Log.Level))

	eng := engine.New(conn, cfg, workspace)
	eng.Log = logger

	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    eng,
		Log:       logger,
		closeLog:  closeLog,
	}, nil
}

func (c *Context) Close() error {
	err := c.DB.Close()
	if c.closeLog != nil {
		if logErr := c.closeLog(); err == nil {
			err = logErr
		}
	}
	return err
}
