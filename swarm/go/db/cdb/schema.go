package cdb

// Schema is the SQL schema for all control plane tables. Applied by the
// sscdbinit command against a fresh database.
const Schema = `
CREATE TABLE IF NOT EXISTS Projects (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	name STRING NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS HashLists (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	project_id INT NOT NULL,
	name STRING NOT NULL,
	hash_type_id INT NOT NULL,
	uncracked_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	INDEX by_hash_type (hash_type_id)
);

CREATE TABLE IF NOT EXISTS HashItems (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	hash_list_id INT NOT NULL REFERENCES HashLists (id) ON DELETE CASCADE,
	hash_value STRING NOT NULL,
	plain_text STRING NOT NULL DEFAULT '',
	cracked BOOL NOT NULL DEFAULT FALSE,
	cracked_time TIMESTAMPTZ NOT NULL,
	attack_id INT NOT NULL DEFAULT 0,
	UNIQUE INDEX by_list_and_value (hash_list_id, hash_value),
	INDEX by_value (hash_value)
);

CREATE TABLE IF NOT EXISTS Campaigns (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	project_id INT NOT NULL REFERENCES Projects (id) ON DELETE CASCADE,
	hash_list_id INT NOT NULL REFERENCES HashLists (id),
	name STRING NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	state STRING NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	INDEX by_project (project_id)
);

CREATE TABLE IF NOT EXISTS ResourceFiles (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	project_id INT NOT NULL,
	name STRING NOT NULL,
	object_key STRING NOT NULL,
	checksum STRING NOT NULL,
	byte_size INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS Attacks (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	campaign_id INT NOT NULL REFERENCES Campaigns (id) ON DELETE CASCADE,
	mode STRING NOT NULL,
	hash_mode INT NOT NULL,
	complexity_value INT NOT NULL DEFAULT 0 CHECK (complexity_value >= 0),
	mask STRING NOT NULL DEFAULT '',
	custom_charset_1 STRING NOT NULL DEFAULT '',
	custom_charset_2 STRING NOT NULL DEFAULT '',
	custom_charset_3 STRING NOT NULL DEFAULT '',
	custom_charset_4 STRING NOT NULL DEFAULT '',
	wordlist_id INT NOT NULL DEFAULT 0,
	rule_list_id INT NOT NULL DEFAULT 0,
	state STRING NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	INDEX by_campaign (campaign_id),
	INDEX by_state (state)
);

CREATE TABLE IF NOT EXISTS Tasks (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	attack_id INT NOT NULL REFERENCES Attacks (id) ON DELETE CASCADE,
	agent_id INT NOT NULL DEFAULT 0,
	state STRING NOT NULL DEFAULT 'pending',
	stale BOOL NOT NULL DEFAULT FALSE,
	activity_timestamp TIMESTAMPTZ NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	preemption_count INT NOT NULL DEFAULT 0,
	progress_done INT NOT NULL DEFAULT 0,
	progress_total INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	INDEX by_agent (agent_id),
	INDEX by_attack (attack_id),
	INDEX by_state (state)
);

CREATE TABLE IF NOT EXISTS Agents (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	name STRING NOT NULL,
	token STRING NOT NULL,
	state STRING NOT NULL DEFAULT 'pending',
	last_seen_at TIMESTAMPTZ NOT NULL,
	operating_system STRING NOT NULL DEFAULT '',
	client_signature STRING NOT NULL DEFAULT '',
	devices JSONB NOT NULL DEFAULT '[]',
	project_ids JSONB NOT NULL DEFAULT '[]',
	advanced_configuration JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE INDEX by_token (token),
	INDEX by_state (state)
);

CREATE TABLE IF NOT EXISTS Benchmarks (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	agent_id INT NOT NULL REFERENCES Agents (id) ON DELETE CASCADE,
	hash_type INT NOT NULL,
	device INT NOT NULL,
	hash_speed FLOAT NOT NULL,
	runtime INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	INDEX by_agent_and_type (agent_id, hash_type)
);

CREATE TABLE IF NOT EXISTS AgentErrors (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	agent_id INT NOT NULL REFERENCES Agents (id) ON DELETE CASCADE,
	task_id INT NOT NULL DEFAULT 0,
	message STRING NOT NULL,
	severity STRING NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	INDEX by_task (task_id),
	INDEX by_created (created_at)
);

CREATE TABLE IF NOT EXISTS Statuses (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	task_id INT NOT NULL REFERENCES Tasks (id) ON DELETE CASCADE,
	original_line STRING NOT NULL DEFAULT '',
	session STRING NOT NULL DEFAULT '',
	time_start TIMESTAMPTZ NOT NULL,
	status INT NOT NULL DEFAULT 0,
	target STRING NOT NULL DEFAULT '',
	progress_done INT NOT NULL DEFAULT 0,
	progress_total INT NOT NULL DEFAULT 0,
	restore_point INT NOT NULL DEFAULT 0,
	rejected_count INT NOT NULL DEFAULT 0,
	estimated_stop TIMESTAMPTZ NOT NULL,
	guess JSONB NOT NULL DEFAULT '{}',
	device_statuses JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	INDEX by_task_and_created (task_id, created_at DESC)
);

CREATE TABLE IF NOT EXISTS TransitionAudits (
	id INT PRIMARY KEY DEFAULT unique_rowid(),
	entity STRING NOT NULL,
	entity_id INT NOT NULL,
	from_state STRING NOT NULL,
	to_state STRING NOT NULL,
	event STRING NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	INDEX by_created (created_at)
);
`
