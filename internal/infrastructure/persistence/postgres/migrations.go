// Package postgres implements the PostgreSQL persistence layer of the reward
// engine.
package postgres

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_event_log",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_aggregates",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_worker_queue",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
		{
			Version: 4,
			Name:    "create_snapshots",
			UpSQL:   migration004Up,
			DownSQL: migration004Down,
		},
	}
}

// Migration 1: the append-only event log and the completions feed.
// The partial unique index on (student_id, source, source_id) WHERE NOT
// corrective is what makes awards exactly-once: a second insert for the same
// trigger conflicts and is dropped, while corrective events never collide.
const migration001Up = `
CREATE TABLE IF NOT EXISTS point_events (
	id UUID PRIMARY KEY,
	student_id TEXT NOT NULL,
	amount BIGINT NOT NULL,
	source TEXT NOT NULL,
	source_id TEXT NOT NULL,
	class_id TEXT NOT NULL DEFAULT '',
	subject_id TEXT NOT NULL DEFAULT '',
	course_id TEXT NOT NULL DEFAULT '',
	campus_id TEXT NOT NULL DEFAULT '',
	corrective BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS point_events_dedup_idx
	ON point_events (student_id, source, source_id)
	WHERE NOT corrective;

CREATE INDEX IF NOT EXISTS point_events_student_idx
	ON point_events (student_id, created_at);

CREATE TABLE IF NOT EXISTS completions (
	student_id TEXT NOT NULL,
	source TEXT NOT NULL,
	source_id TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	difficulty TEXT NOT NULL DEFAULT '',
	class_id TEXT NOT NULL DEFAULT '',
	subject_id TEXT NOT NULL DEFAULT '',
	course_id TEXT NOT NULL DEFAULT '',
	campus_id TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (student_id, source, source_id)
);
`

const migration001Down = `
DROP TABLE IF EXISTS completions;
DROP TABLE IF EXISTS point_events;
`

// Migration 2: running aggregates and their derivations.
// points_aggregates is keyed by the explicit (student, scope, period) tuple;
// increments are applied with INSERT .. ON CONFLICT DO UPDATE, never with
// read-modify-write in application code.
const migration002Up = `
CREATE TABLE IF NOT EXISTS points_aggregates (
	student_id TEXT NOT NULL,
	scope_kind TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	period_type TEXT NOT NULL,
	period_key TEXT NOT NULL,
	total BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (student_id, scope_kind, scope_id, period_type, period_key)
);

CREATE INDEX IF NOT EXISTS points_aggregates_board_idx
	ON points_aggregates (scope_kind, scope_id, period_type, period_key, total DESC);

CREATE TABLE IF NOT EXISTS student_levels (
	student_id TEXT NOT NULL,
	scope_kind TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	level INT NOT NULL,
	current_experience BIGINT NOT NULL,
	experience_for_next_level BIGINT NOT NULL,
	cumulative_experience BIGINT NOT NULL,
	derived_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (student_id, scope_kind, scope_id)
);

CREATE TABLE IF NOT EXISTS achievement_progress (
	student_id TEXT NOT NULL,
	definition_id TEXT NOT NULL,
	progress BIGINT NOT NULL DEFAULT 0,
	target BIGINT NOT NULL,
	unlocked BOOLEAN NOT NULL DEFAULT FALSE,
	unlocked_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (student_id, definition_id)
);

CREATE INDEX IF NOT EXISTS achievement_unlocked_idx
	ON achievement_progress (student_id, unlocked_at)
	WHERE unlocked;
`

const migration002Down = `
DROP TABLE IF EXISTS achievement_progress;
DROP TABLE IF EXISTS student_levels;
DROP TABLE IF EXISTS points_aggregates;
`

// Migration 3: the worker queue and the transactional outbox.
const migration003Up = `
CREATE TABLE IF NOT EXISTS reward_units (
	id UUID PRIMARY KEY,
	student_id TEXT NOT NULL,
	source TEXT NOT NULL,
	source_id TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	difficulty TEXT NOT NULL DEFAULT '',
	class_id TEXT NOT NULL DEFAULT '',
	subject_id TEXT NOT NULL DEFAULT '',
	course_id TEXT NOT NULL DEFAULT '',
	campus_id TEXT NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (student_id, source, source_id)
);

CREATE INDEX IF NOT EXISTS reward_units_due_idx
	ON reward_units (status, next_attempt_at)
	WHERE status IN ('PENDING', 'FAILED');

CREATE TABLE IF NOT EXISTS reward_outbox (
	id UUID PRIMARY KEY,
	kind TEXT NOT NULL,
	student_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS reward_outbox_unpublished_idx
	ON reward_outbox (created_at)
	WHERE published_at IS NULL;
`

const migration003Down = `
DROP TABLE IF EXISTS reward_outbox;
DROP TABLE IF EXISTS reward_units;
`

// Migration 4: immutable leaderboard snapshots.
const migration004Up = `
CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
	id UUID PRIMARY KEY,
	scope_kind TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	period_type TEXT NOT NULL,
	period_key TEXT NOT NULL,
	generated_at TIMESTAMPTZ NOT NULL,
	entry_count INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS leaderboard_snapshots_key_idx
	ON leaderboard_snapshots (scope_kind, scope_id, period_type, period_key, generated_at DESC);

CREATE TABLE IF NOT EXISTS leaderboard_entries (
	snapshot_id UUID NOT NULL REFERENCES leaderboard_snapshots(id) ON DELETE CASCADE,
	student_id TEXT NOT NULL,
	rank INT NOT NULL,
	score BIGINT NOT NULL,
	previous_rank INT,
	PRIMARY KEY (snapshot_id, student_id)
);

CREATE INDEX IF NOT EXISTS leaderboard_entries_rank_idx
	ON leaderboard_entries (snapshot_id, rank);
`

const migration004Down = `
DROP TABLE IF EXISTS leaderboard_entries;
DROP TABLE IF EXISTS leaderboard_snapshots;
`
