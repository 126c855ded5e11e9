package cdb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/types"
)

const attackColumns = `id, campaign_id, mode, hash_mode, complexity_value, mask, custom_charset_1, custom_charset_2, custom_charset_3, custom_charset_4, wordlist_id, rule_list_id, state, created_at, updated_at`

const campaignColumns = `id, project_id, hash_list_id, name, priority, state, created_at, updated_at`

func scanAttack(r row) (types.Attack, error) {
	var a types.Attack
	if err := r.Scan(&a.ID, &a.CampaignID, &a.Mode, &a.HashMode, &a.ComplexityValue, &a.Mask, &a.CustomCharset1, &a.CustomCharset2, &a.CustomCharset3, &a.CustomCharset4, &a.WordlistID, &a.RuleListID, &a.State, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return types.Attack{}, err
	}
	return a, nil
}

func scanCampaign(r row) (types.Campaign, error) {
	var c types.Campaign
	var priority int
	if err := r.Scan(&c.ID, &c.ProjectID, &c.HashListID, &c.Name, &priority, &c.State, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return types.Campaign{}, err
	}
	c.Priority = types.CampaignPriority(priority)
	return c, nil
}

// CreateAttack implements db.AttackDB.
func (s *Store) CreateAttack(ctx context.Context, attack types.Attack) (types.Attack, error) {
	if attack.ComplexityValue < 0 {
		return types.Attack{}, cserr.NewKind(cserr.Validation, "complexity_value must be >= 0")
	}
	if attack.State == "" {
		attack.State = types.AttackStatePending
	}
	ts := normalize(now.Now(ctx))
	attack.CreatedAt = ts
	attack.UpdatedAt = ts
	err := s.db.QueryRow(ctx, `
INSERT INTO Attacks (campaign_id, mode, hash_mode, complexity_value, mask, custom_charset_1, custom_charset_2, custom_charset_3, custom_charset_4, wordlist_id, rule_list_id, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id`,
		attack.CampaignID, attack.Mode, attack.HashMode, attack.ComplexityValue, attack.Mask,
		attack.CustomCharset1, attack.CustomCharset2, attack.CustomCharset3, attack.CustomCharset4,
		attack.WordlistID, attack.RuleListID, attack.State, ts, ts).Scan(&attack.ID)
	if err != nil {
		return types.Attack{}, wrappedError(err)
	}
	return attack, nil
}

// GetAttack implements db.AttackDB.
func (s *Store) GetAttack(ctx context.Context, id int64) (types.Attack, error) {
	attack, err := scanAttack(s.db.QueryRow(ctx, `SELECT `+attackColumns+` FROM Attacks WHERE id = $1`, id))
	if err != nil {
		return types.Attack{}, wrappedError(err)
	}
	return attack, nil
}

// UpdateAttack implements db.AttackDB.
func (s *Store) UpdateAttack(ctx context.Context, id int64, cb db.UpdateAttackCallback) (types.Attack, error) {
	var ret types.Attack
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		attack, err := scanAttack(tx.QueryRow(ctx, `SELECT `+attackColumns+` FROM Attacks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrappedError(err)
		}
		updated, err := cb(attack)
		if err != nil {
			return err
		}
		updated.ID = id
		updated.UpdatedAt = normalize(now.Now(ctx))
		if _, err := tx.Exec(ctx, `
UPDATE Attacks SET campaign_id = $1, mode = $2, hash_mode = $3, complexity_value = $4, mask = $5, custom_charset_1 = $6, custom_charset_2 = $7, custom_charset_3 = $8, custom_charset_4 = $9, wordlist_id = $10, rule_list_id = $11, state = $12, updated_at = $13
WHERE id = $14`,
			updated.CampaignID, updated.Mode, updated.HashMode, updated.ComplexityValue, updated.Mask,
			updated.CustomCharset1, updated.CustomCharset2, updated.CustomCharset3, updated.CustomCharset4,
			updated.WordlistID, updated.RuleListID, updated.State, updated.UpdatedAt, id); err != nil {
			return wrappedError(err)
		}
		ret = updated
		return nil
	})
	if err != nil {
		return types.Attack{}, err
	}
	return ret, nil
}

// ListAttacksForCampaign implements db.AttackDB.
func (s *Store) ListAttacksForCampaign(ctx context.Context, campaignID int64) ([]types.Attack, error) {
	rows, err := s.db.Query(ctx, `SELECT `+attackColumns+` FROM Attacks WHERE campaign_id = $1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	var ret []types.Attack
	for rows.Next() {
		attack, err := scanAttack(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, attack)
	}
	return ret, wrappedError(rows.Err())
}

// CreateCampaign implements db.AttackDB.
func (s *Store) CreateCampaign(ctx context.Context, campaign types.Campaign) (types.Campaign, error) {
	if campaign.State == "" {
		campaign.State = types.CampaignStatePending
	}
	ts := normalize(now.Now(ctx))
	campaign.CreatedAt = ts
	campaign.UpdatedAt = ts
	err := s.db.QueryRow(ctx, `
INSERT INTO Campaigns (project_id, hash_list_id, name, priority, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		campaign.ProjectID, campaign.HashListID, campaign.Name, int(campaign.Priority),
		campaign.State, ts, ts).Scan(&campaign.ID)
	if err != nil {
		return types.Campaign{}, wrappedError(err)
	}
	return campaign, nil
}

// GetCampaign implements db.AttackDB.
func (s *Store) GetCampaign(ctx context.Context, id int64) (types.Campaign, error) {
	campaign, err := scanCampaign(s.db.QueryRow(ctx, `SELECT `+campaignColumns+` FROM Campaigns WHERE id = $1`, id))
	if err != nil {
		return types.Campaign{}, wrappedError(err)
	}
	return campaign, nil
}

// UpdateCampaign implements db.AttackDB.
func (s *Store) UpdateCampaign(ctx context.Context, id int64, cb db.UpdateCampaignCallback) (types.Campaign, error) {
	var ret types.Campaign
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		campaign, err := scanCampaign(tx.QueryRow(ctx, `SELECT `+campaignColumns+` FROM Campaigns WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrappedError(err)
		}
		updated, err := cb(campaign)
		if err != nil {
			return err
		}
		updated.ID = id
		updated.UpdatedAt = normalize(now.Now(ctx))
		if _, err := tx.Exec(ctx, `
UPDATE Campaigns SET project_id = $1, hash_list_id = $2, name = $3, priority = $4, state = $5, updated_at = $6
WHERE id = $7`,
			updated.ProjectID, updated.HashListID, updated.Name, int(updated.Priority),
			updated.State, updated.UpdatedAt, id); err != nil {
			return wrappedError(err)
		}
		ret = updated
		return nil
	})
	if err != nil {
		return types.Campaign{}, err
	}
	return ret, nil
}

const candidateQuery = `
SELECT ` + "a.id, a.campaign_id, a.mode, a.hash_mode, a.complexity_value, a.mask, a.custom_charset_1, a.custom_charset_2, a.custom_charset_3, a.custom_charset_4, a.wordlist_id, a.rule_list_id, a.state, a.created_at, a.updated_at" + `,
	c.id, c.project_id, c.hash_list_id, c.name, c.priority, c.state, c.created_at, c.updated_at,
	h.id, h.project_id, h.name, h.hash_type_id, h.uncracked_count, h.created_at, h.updated_at
FROM Attacks AS a
JOIN Campaigns AS c ON a.campaign_id = c.id
JOIN HashLists AS h ON c.hash_list_id = h.id
`

func scanCandidate(r row) (db.CandidateAttack, error) {
	var cand db.CandidateAttack
	a := &cand.Attack
	c := &cand.Campaign
	h := &cand.HashList
	var priority int
	err := r.Scan(
		&a.ID, &a.CampaignID, &a.Mode, &a.HashMode, &a.ComplexityValue, &a.Mask,
		&a.CustomCharset1, &a.CustomCharset2, &a.CustomCharset3, &a.CustomCharset4,
		&a.WordlistID, &a.RuleListID, &a.State, &a.CreatedAt, &a.UpdatedAt,
		&c.ID, &c.ProjectID, &c.HashListID, &c.Name, &priority, &c.State, &c.CreatedAt, &c.UpdatedAt,
		&h.ID, &h.ProjectID, &h.Name, &h.HashTypeID, &h.UncrackedCount, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return db.CandidateAttack{}, err
	}
	c.Priority = types.CampaignPriority(priority)
	return cand, nil
}

func (s *Store) queryCandidates(ctx context.Context, query string, args ...interface{}) ([]db.CandidateAttack, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrappedError(err)
	}
	defer rows.Close()
	var ret []db.CandidateAttack
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, wrappedError(err)
		}
		ret = append(ret, cand)
	}
	return ret, wrappedError(rows.Err())
}

// ListCandidateAttacks implements db.AttackDB.
func (s *Store) ListCandidateAttacks(ctx context.Context, projectIDs []int64, hashTypes []int) ([]db.CandidateAttack, error) {
	if len(projectIDs) == 0 || len(hashTypes) == 0 {
		return nil, nil
	}
	return s.queryCandidates(ctx, candidateQuery+`
WHERE a.state IN ($1, $2)
	AND c.project_id = ANY($3)
	AND h.hash_type_id = ANY($4)
	AND h.uncracked_count > 0
ORDER BY c.priority DESC, a.complexity_value ASC, a.created_at ASC, a.id ASC`,
		types.AttackStatePending, types.AttackStateRunning, projectIDs, hashTypes)
}

// ListRebalanceAttacks implements db.AttackDB.
func (s *Store) ListRebalanceAttacks(ctx context.Context) ([]db.CandidateAttack, error) {
	return s.queryCandidates(ctx, candidateQuery+`
WHERE a.state IN ($1, $2)
	AND c.priority >= $3
	AND h.uncracked_count > 0
	AND NOT EXISTS (SELECT 1 FROM Tasks AS t WHERE t.attack_id = a.id AND t.state = $4)
ORDER BY c.priority DESC, a.complexity_value ASC, a.created_at ASC, a.id ASC`,
		types.AttackStatePending, types.AttackStateRunning, int(types.PriorityNormal), types.TaskStateRunning)
}

// CampaignFreshness implements db.AttackDB.
func (s *Store) CampaignFreshness(ctx context.Context, campaignID int64) (time.Time, time.Time, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM Campaigns WHERE id = $1)`, campaignID).Scan(&exists); err != nil {
		return time.Time{}, time.Time{}, wrappedError(err)
	}
	if !exists {
		return time.Time{}, time.Time{}, cserr.Wrapf(db.ErrNotFound, "campaign %d", campaignID)
	}
	zero := normalize(time.Time{})
	var attacksMax, tasksMax time.Time
	err := s.db.QueryRow(ctx, `
SELECT
	COALESCE(MAX(a.updated_at), $2),
	COALESCE(MAX(t.updated_at), $2)
FROM Attacks AS a
LEFT JOIN Tasks AS t ON t.attack_id = a.id
WHERE a.campaign_id = $1`, campaignID, zero).Scan(&attacksMax, &tasksMax)
	if err != nil {
		return time.Time{}, time.Time{}, wrappedError(err)
	}
	return attacksMax, tasksMax, nil
}

// CreateResourceFile implements db.AttackDB.
func (s *Store) CreateResourceFile(ctx context.Context, file types.ResourceFile) (types.ResourceFile, error) {
	err := s.db.QueryRow(ctx, `
INSERT INTO ResourceFiles (project_id, name, object_key, checksum, byte_size)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`, file.ProjectID, file.Name, file.ObjectKey, file.Checksum, file.ByteSize).Scan(&file.ID)
	if err != nil {
		return types.ResourceFile{}, wrappedError(err)
	}
	return file, nil
}

// GetResourceFile implements db.AttackDB.
func (s *Store) GetResourceFile(ctx context.Context, id int64) (types.ResourceFile, error) {
	var file types.ResourceFile
	err := s.db.QueryRow(ctx, `
SELECT id, project_id, name, object_key, checksum, byte_size
FROM ResourceFiles WHERE id = $1`, id).Scan(&file.ID, &file.ProjectID, &file.Name, &file.ObjectKey, &file.Checksum, &file.ByteSize)
	if err != nil {
		return types.ResourceFile{}, wrappedError(err)
	}
	return file, nil
}
