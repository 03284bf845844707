package db

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Migrate creates the tables and indexes the services rely on.
func (c *Client) Migrate() error {
	const createChatTargetsTableSQL = `
    CREATE TABLE IF NOT EXISTS chat_targets (
        id SERIAL PRIMARY KEY,
        app_tag VARCHAR(50) NOT NULL UNIQUE,
        chat_name VARCHAR(255) NOT NULL,
        chat_id TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`

	if _, err := c.db.Exec(createChatTargetsTableSQL); err != nil {
		return errors.Wrap(err, "error creating 'chat_targets' table")
	}
	logrus.Info("Table 'chat_targets' is ready.")

	const createIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_targets_app_tag ON chat_targets(app_tag);`
	if _, err := c.db.Exec(createIndexSQL); err != nil {
		logrus.WithError(err).Warn("Error creating index for 'chat_targets'")
	}

	const createMessageJobsTableSQL = `
    CREATE TABLE IF NOT EXISTS message_jobs (
        id SERIAL PRIMARY KEY,
        job_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        email TEXT NOT NULL DEFAULT '',
        chat_id TEXT NOT NULL DEFAULT '',
        app_tag TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        error_message TEXT NOT NULL DEFAULT '',
        attempts INTEGER NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        processed_at TIMESTAMPTZ
    );`

	if _, err := c.db.Exec(createMessageJobsTableSQL); err != nil {
		return errors.Wrap(err, "error creating 'message_jobs' table")
	}
	logrus.Info("Table 'message_jobs' is ready.")

	logrus.Info("Database migration checked/completed successfully.")
	return nil
}
