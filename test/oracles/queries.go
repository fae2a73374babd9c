package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_custody_per_payment",
			SQL: `SELECT payment_id, COUNT(*) FROM custody_records
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_split_sums_to_total",
			SQL: `SELECT c.payment_id, c.custody_amount, c.release_amount, p.total_amount
                  FROM custody_records c JOIN payments p ON p.id = c.payment_id
                  WHERE c.custody_amount + c.release_amount <> p.total_amount`,
		},
		{
			Name: "O3_released_under_pending_dispute",
			SQL: `SELECT c.payment_id FROM custody_records c
                  WHERE c.status = 'released' AND c.dispute_status = 'pending'`,
		},
		{
			Name: "O4_completed_without_release",
			SQL: `SELECT p.id FROM payments p
                  LEFT JOIN custody_records c ON c.payment_id = p.id
                  WHERE p.status = 'completed'
                    AND (c.payment_id IS NULL OR c.status <> 'released')`,
		},
		{
			Name: "O5_disputed_state_consistent",
			SQL: `SELECT p.id, p.status, c.dispute_status FROM payments p
                  JOIN custody_records c ON c.payment_id = p.id
                  WHERE (p.status = 'disputed' AND c.dispute_status <> 'pending')
                     OR (c.dispute_status = 'pending' AND p.status NOT IN ('disputed','cancelled'))`,
		},
		{
			Name: "O6_pending_dispute_matches_custody",
			SQL: `SELECT d.id, d.status, c.dispute_status FROM disputes d
                  JOIN custody_records c ON c.payment_id = d.payment_id
                  WHERE d.status = 'pending' AND c.dispute_status <> 'pending'`,
		},
		{
			Name: "O7_terminal_payments_closed",
			SQL: `SELECT p.id FROM payments p
                  WHERE p.status = 'cancelled'
                    AND EXISTS (SELECT 1 FROM custody_records c
                                WHERE c.payment_id = p.id
                                  AND c.status = 'released'
                                  AND c.dispute_status NOT IN ('approved'))`,
		},
		{
			Name: "O8_active_custody_has_deadline",
			SQL: `SELECT id, payment_id FROM custody_records
                  WHERE status IN ('active','funded','disputed','released')
                    AND custody_end IS NULL`,
		},
		{
			Name: "O9_append_only_trigger_present",
			SQL: `SELECT 'missing_event_log_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_mutate_payment_events')
                  UNION ALL
                  SELECT 'missing_custody_end_trigger'
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='custody_end_immutable')`,
		},
		{
			Name: "O10_escrowed_payment_has_custody",
			SQL: `SELECT p.id FROM payments p
                  LEFT JOIN custody_records c ON c.payment_id = p.id
                  WHERE p.status IN ('escrowed','disputed') AND c.payment_id IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
