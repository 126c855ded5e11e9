package cdb

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v4"

	"go.cipherswarm.org/server/go/cserr"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/go/sqlutil"
	"go.cipherswarm.org/server/swarm/go/db"
	"go.cipherswarm.org/server/swarm/go/types"
)

const hashListColumns = `id, project_id, name, hash_type_id, uncracked_count, created_at, updated_at`

const hashItemColumns = `id, hash_list_id, hash_value, plain_text, cracked, cracked_time, attack_id`

func scanHashList(r row) (types.HashList, error) {
	var l types.HashList
	if err := r.Scan(&l.ID, &l.ProjectID, &l.Name, &l.HashTypeID, &l.UncrackedCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return types.HashList{}, err
	}
	return l, nil
}

func scanHashItem(r row) (types.HashItem, error) {
	var i types.HashItem
	if err := r.Scan(&i.ID, &i.HashListID, &i.HashValue, &i.PlainText, &i.Cracked, &i.CrackedTime, &i.AttackID); err != nil {
		return types.HashItem{}, err
	}
	return i, nil
}

// CreateHashList implements db.HashDB.
func (s *Store) CreateHashList(ctx context.Context, list types.HashList) (types.HashList, error) {
	ts := normalize(now.Now(ctx))
	list.CreatedAt = ts
	list.UpdatedAt = ts
	err := s.db.QueryRow(ctx, `
INSERT INTO HashLists (project_id, name, hash_type_id, uncracked_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`, list.ProjectID, list.Name, list.HashTypeID, list.UncrackedCount, ts, ts).Scan(&list.ID)
	if err != nil {
		return types.HashList{}, wrappedError(err)
	}
	return list, nil
}

// GetHashList implements db.HashDB.
func (s *Store) GetHashList(ctx context.Context, id int64) (types.HashList, error) {
	list, err := scanHashList(s.db.QueryRow(ctx, `SELECT `+hashListColumns+` FROM HashLists WHERE id = $1`, id))
	if err != nil {
		return types.HashList{}, wrappedError(err)
	}
	return list, nil
}

// CreateHashItems implements db.HashDB. Items are inserted in one statement
// and the owning list's uncracked_count is brought up to date in the same
// transaction.
func (s *Store) CreateHashItems(ctx context.Context, items []types.HashItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		ts := normalize(now.Now(ctx))
		lists := map[int64]bool{}
		args := make([]interface{}, 0, len(items)*6)
		for _, item := range items {
			lists[item.HashListID] = true
			args = append(args, item.HashListID, item.HashValue, item.PlainText, item.Cracked, normalize(item.CrackedTime), item.AttackID)
		}
		stmt := `
INSERT INTO HashItems (hash_list_id, hash_value, plain_text, cracked, cracked_time, attack_id)
VALUES ` + sqlutil.ValuesPlaceholders(6, len(items))
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return wrappedError(err)
		}
		for listID := range lists {
			if err := recountList(ctx, tx, listID, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetHashItem implements db.HashDB.
func (s *Store) GetHashItem(ctx context.Context, hashListID int64, hashValue string) (types.HashItem, error) {
	item, err := scanHashItem(s.db.QueryRow(ctx, `
SELECT `+hashItemColumns+` FROM HashItems WHERE hash_list_id = $1 AND hash_value = $2`, hashListID, hashValue))
	if err != nil {
		return types.HashItem{}, wrappedError(err)
	}
	return item, nil
}

func recountList(ctx context.Context, tx pgx.Tx, listID int64, ts interface{}) error {
	_, err := tx.Exec(ctx, `
UPDATE HashLists
SET uncracked_count = (SELECT COUNT(*) FROM HashItems WHERE hash_list_id = $1 AND NOT cracked), updated_at = $2
WHERE id = $1`, listID, ts)
	return wrappedError(err)
}

// ApplyCrack implements db.HashDB. The whole procedure runs in one
// transaction so a concurrent submission of the same hash sees either nothing
// or everything: the item update, the propagation to sibling lists of the
// same hash type, the stale marks and the uncracked_count maintenance.
func (s *Store) ApplyCrack(ctx context.Context, params db.ApplyCrackParams) (db.CrackOutcome, error) {
	var outcome db.CrackOutcome
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		item, err := scanHashItem(tx.QueryRow(ctx, `
SELECT `+hashItemColumns+` FROM HashItems
WHERE hash_list_id = $1 AND hash_value = $2 FOR UPDATE`, params.HashListID, params.HashValue))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return cserr.Wrapf(db.ErrNotFound, "hash %q in list %d", params.HashValue, params.HashListID)
			}
			return wrappedError(err)
		}
		ts := normalize(params.Timestamp)
		if item.Cracked {
			outcome.AlreadyCracked = true
			return tx.QueryRow(ctx, `SELECT uncracked_count FROM HashLists WHERE id = $1`, params.HashListID).Scan(&outcome.UncrackedRemaining)
		}
		if _, err := tx.Exec(ctx, `
UPDATE HashItems SET cracked = TRUE, plain_text = $2, cracked_time = $3, attack_id = $4
WHERE id = $1`, item.ID, params.PlainText, ts, params.AttackID); err != nil {
			return wrappedError(err)
		}

		// Propagate to every other uncracked copy of the same hash in lists
		// of the same hash type, regardless of project.
		rows, err := tx.Query(ctx, `
UPDATE HashItems SET cracked = TRUE, plain_text = $1, cracked_time = $2, attack_id = $3
WHERE hash_value = $4 AND NOT cracked
	AND hash_list_id IN (SELECT id FROM HashLists WHERE hash_type_id = $5 AND id != $6)
RETURNING hash_list_id`,
			params.PlainText, ts, params.AttackID, params.HashValue, params.HashTypeID, params.HashListID)
		if err != nil {
			return wrappedError(err)
		}
		touched := []int64{params.HashListID}
		seen := map[int64]bool{params.HashListID: true}
		for rows.Next() {
			var listID int64
			if err := rows.Scan(&listID); err != nil {
				rows.Close()
				return wrappedError(err)
			}
			if !seen[listID] {
				seen[listID] = true
				touched = append(touched, listID)
			}
			outcome.PropagatedLists++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrappedError(err)
		}

		for _, listID := range touched {
			if err := recountList(ctx, tx, listID, ts); err != nil {
				return err
			}
		}

		// Every other live task working one of the touched lists is now
		// guessing against hashes it no longer needs to guess.
		tag, err := tx.Exec(ctx, `
UPDATE Tasks SET stale = TRUE, updated_at = $1
WHERE id != $2 AND NOT stale AND state IN ($3, $4)
	AND attack_id IN (
		SELECT a.id FROM Attacks AS a
		JOIN Campaigns AS c ON a.campaign_id = c.id
		WHERE c.hash_list_id = ANY($5))`,
			ts, params.TaskID, types.TaskStatePending, types.TaskStateRunning, touched)
		if err != nil {
			return wrappedError(err)
		}
		outcome.StaleTasks = tag.RowsAffected()

		return tx.QueryRow(ctx, `SELECT uncracked_count FROM HashLists WHERE id = $1`, params.HashListID).Scan(&outcome.UncrackedRemaining)
	})
	if err != nil {
		return db.CrackOutcome{}, err
	}
	return outcome, nil
}

// WriteUncrackedList implements db.HashDB.
func (s *Store) WriteUncrackedList(ctx context.Context, hashListID int64, w io.Writer) error {
	rows, err := s.db.Query(ctx, `
SELECT hash_value FROM HashItems WHERE hash_list_id = $1 AND NOT cracked ORDER BY id`, hashListID)
	if err != nil {
		return wrappedError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var hashValue string
		if err := rows.Scan(&hashValue); err != nil {
			return wrappedError(err)
		}
		if _, err := fmt.Fprintln(w, hashValue); err != nil {
			return cserr.Wrapf(err, "writing uncracked list")
		}
	}
	return wrappedError(rows.Err())
}

// WriteCrackedList implements db.HashDB.
func (s *Store) WriteCrackedList(ctx context.Context, hashListID int64, w io.Writer) error {
	rows, err := s.db.Query(ctx, `
SELECT hash_value, plain_text FROM HashItems WHERE hash_list_id = $1 AND cracked ORDER BY id`, hashListID)
	if err != nil {
		return wrappedError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var hashValue, plainText string
		if err := rows.Scan(&hashValue, &plainText); err != nil {
			return wrappedError(err)
		}
		if _, err := fmt.Fprintf(w, "%s:%s\n", hashValue, plainText); err != nil {
			return cserr.Wrapf(err, "writing cracked list")
		}
	}
	return wrappedError(rows.Err())
}
