package store

const migrationIdentities = `
CREATE TABLE IF NOT EXISTS identities (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	address TEXT NOT NULL,
	domain TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	per_minute INTEGER NOT NULL DEFAULT 0,
	per_hour INTEGER NOT NULL DEFAULT 0,
	per_day INTEGER NOT NULL DEFAULT 0,
	warmup_rate INTEGER NOT NULL DEFAULT 0,
	warmup_increment INTEGER NOT NULL DEFAULT 0,
	warmup_cap INTEGER NOT NULL DEFAULT 0,
	warmup_last_advance DATETIME,
	business_hours TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_identities_org ON identities(org_id, status);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	targeting TEXT NOT NULL DEFAULT '{}',
	sending_policy TEXT NOT NULL DEFAULT '{}',
	content TEXT NOT NULL DEFAULT '{}',
	thresholds TEXT NOT NULL DEFAULT '{}',
	experiment_enabled INTEGER NOT NULL DEFAULT 0,
	test_size INTEGER NOT NULL DEFAULT 0,
	criterion TEXT NOT NULL DEFAULT '',
	winner_variant_id TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	total INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	sent INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	bounced INTEGER NOT NULL DEFAULT 0,
	complained INTEGER NOT NULL DEFAULT 0,
	unsubscribed INTEGER NOT NULL DEFAULT 0,
	replied INTEGER NOT NULL DEFAULT 0,
	opened INTEGER NOT NULL DEFAULT 0,
	clicked INTEGER NOT NULL DEFAULT 0,
	scheduled_at DATETIME,
	started_at DATETIME,
	completed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_org ON campaigns(org_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
`

const migrationCampaignVariants = `
CREATE TABLE IF NOT EXISTS campaign_variants (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	weight REAL NOT NULL,
	content TEXT NOT NULL DEFAULT '{}',
	sent INTEGER NOT NULL DEFAULT 0,
	opened INTEGER NOT NULL DEFAULT 0,
	clicked INTEGER NOT NULL DEFAULT 0,
	replied INTEGER NOT NULL DEFAULT 0,
	unsubscribed INTEGER NOT NULL DEFAULT 0,
	bounced INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_variants_campaign ON campaign_variants(campaign_id, position);
`

const migrationCampaignContacts = `
CREATE TABLE IF NOT EXISTS campaign_contacts (
	campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	contact_id TEXT NOT NULL,
	email TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (campaign_id, contact_id)
);
CREATE INDEX IF NOT EXISTS idx_contacts_dispatch ON campaign_contacts(campaign_id, status, next_attempt_at);
`

const migrationVariantAssignments = `
CREATE TABLE IF NOT EXISTS variant_assignments (
	campaign_id TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	variant_id TEXT NOT NULL,
	assigned_at DATETIME NOT NULL,
	PRIMARY KEY (campaign_id, contact_id)
);
`
