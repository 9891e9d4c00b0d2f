package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS staking_positions (
	user_id TEXT PRIMARY KEY,
	wallet BYTEA NOT NULL,
	principal BIGINT NOT NULL,
	stake_start_at TIMESTAMPTZ,
	locked_price DOUBLE PRECISION NOT NULL,

	total_claimed DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_accrued DOUBLE PRECISION NOT NULL DEFAULT 0,
	pending_rewards DOUBLE PRECISION NOT NULL DEFAULT 0,
	boosters JSONB NOT NULL DEFAULT '[]'::jsonb,

	version BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT user_id_nonempty CHECK (user_id <> ''),
	CONSTRAINT wallet_len CHECK (octet_length(wallet) = 20),
	CONSTRAINT principal_nonneg CHECK (principal >= 0),
	CONSTRAINT total_claimed_nonneg CHECK (total_claimed >= 0),
	CONSTRAINT total_accrued_nonneg CHECK (total_accrued >= 0),
	CONSTRAINT pending_rewards_nonneg CHECK (pending_rewards >= 0)
);

CREATE INDEX IF NOT EXISTS staking_positions_active_idx ON staking_positions (user_id) WHERE principal > 0;

CREATE TABLE IF NOT EXISTS staking_pool (
	id SMALLINT PRIMARY KEY,
	total_staked_principal BIGINT NOT NULL,
	reward_pool_balance DOUBLE PRECISION NOT NULL,
	acc_reward_per_share DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_reward_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 0,

	CONSTRAINT pool_singleton CHECK (id = 1),
	CONSTRAINT total_staked_nonneg CHECK (total_staked_principal >= 0),
	CONSTRAINT reward_pool_nonneg CHECK (reward_pool_balance >= 0)
);

CREATE TABLE IF NOT EXISTS used_signatures (
	signature BYTEA PRIMARY KEY,
	user_id TEXT NOT NULL,
	purpose TEXT NOT NULL,
	consumed_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT signature_len CHECK (octet_length(signature) = 32),
	CONSTRAINT used_user_id_nonempty CHECK (user_id <> ''),
	CONSTRAINT purpose_nonempty CHECK (purpose <> '')
);

CREATE INDEX IF NOT EXISTS used_signatures_user_idx ON used_signatures (user_id);
`
