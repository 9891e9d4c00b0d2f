package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS withdrawal_logs (
	log_id BYTEA PRIMARY KEY,
	user_id TEXT NOT NULL,
	wallet BYTEA NOT NULL,
	kind TEXT NOT NULL,
	requested_amount BIGINT NOT NULL,

	fee_amount_expected DOUBLE PRECISION NOT NULL,
	fee_amount_usd DOUBLE PRECISION NOT NULL,
	price_at_request DOUBLE PRECISION NOT NULL,

	status TEXT NOT NULL,

	fee_tx_signature BYTEA,
	payout_tx_signature BYTEA,

	balance_before DOUBLE PRECISION NOT NULL DEFAULT 0,
	balance_after DOUBLE PRECISION NOT NULL DEFAULT 0,
	balance_deducted BOOLEAN NOT NULL DEFAULT FALSE,
	balance_refunded BOOLEAN NOT NULL DEFAULT FALSE,

	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL,
	fee_verified_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	failed_at TIMESTAMPTZ,
	refunded_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,

	CONSTRAINT log_id_len CHECK (octet_length(log_id) = 32),
	CONSTRAINT log_user_id_nonempty CHECK (user_id <> ''),
	CONSTRAINT log_wallet_len CHECK (octet_length(wallet) = 20),
	CONSTRAINT log_kind CHECK (kind IN ('withdrawal', 'claim')),
	CONSTRAINT log_status CHECK (status IN ('initiated', 'fee_verified', 'completed', 'failed', 'refunded')),
	CONSTRAINT log_requested_nonneg CHECK (requested_amount >= 0),
	CONSTRAINT log_price_positive CHECK (price_at_request > 0),
	CONSTRAINT log_retry_nonneg CHECK (retry_count >= 0),
	CONSTRAINT log_fee_sig_len CHECK (fee_tx_signature IS NULL OR octet_length(fee_tx_signature) = 32),
	CONSTRAINT log_payout_sig_len CHECK (payout_tx_signature IS NULL OR octet_length(payout_tx_signature) = 32)
);

CREATE INDEX IF NOT EXISTS withdrawal_logs_user_idx ON withdrawal_logs (user_id, created_at);
CREATE INDEX IF NOT EXISTS withdrawal_logs_status_idx ON withdrawal_logs (status, created_at);
CREATE INDEX IF NOT EXISTS withdrawal_logs_refund_idx ON withdrawal_logs (created_at)
	WHERE status = 'failed' AND balance_deducted AND NOT balance_refunded;
`
