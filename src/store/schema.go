// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"fmt"

	"github.com/lib/pq"
)

const tablesSchema = `
CREATE TABLE IF NOT EXISTS algorithms (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	image       TEXT NOT NULL DEFAULT '',
	entry_point TEXT[] NOT NULL DEFAULT '{}',
	memory_mb   BIGINT NOT NULL DEFAULT 0,
	cpu_shares  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	algorithm_id    TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	tenant_id       TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	parameters      JSONB NOT NULL DEFAULT '{}',
	input_files     TEXT[] NOT NULL DEFAULT '{}',
	priority        INT NOT NULL DEFAULT 5,
	status          TEXT NOT NULL DEFAULT 'PENDING',
	progress        INT NOT NULL DEFAULT 0,
	queued_at       TIMESTAMPTZ,
	start_time      TIMESTAMPTZ,
	end_time        TIMESTAMPTZ,
	actual_duration BIGINT,
	error_message   TEXT,
	resource_usage  JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS tasks_admission_idx ON tasks (status, priority DESC, queued_at, created_at);

CREATE TABLE IF NOT EXISTS task_logs (
	id         BIGSERIAL PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	log_level  TEXT NOT NULL,
	message    TEXT NOT NULL,
	context    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS task_logs_task_idx ON task_logs (task_id, id);
`

// notifySchema announces new PENDING tasks on the worker's LISTEN channel.
func notifySchema(channel string) string {
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION notify_task_submitted() RETURNS trigger AS $$
BEGIN
	IF NEW.status = 'PENDING' THEN
		PERFORM pg_notify(%s, NEW.id);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS tasks_submitted ON tasks;
CREATE TRIGGER tasks_submitted AFTER INSERT ON tasks
	FOR EACH ROW EXECUTE FUNCTION notify_task_submitted();
`, pq.QuoteLiteral(channel))
}
