package logger

import "testing"

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql   string
		op    string
		table string
	}{
		{sql: `SELECT * FROM "subscriptions" WHERE user_id = $1`, op: "SELECT", table: "subscriptions"},
		{sql: `INSERT INTO "payment_events" ("id") VALUES ($1) ON CONFLICT DO NOTHING`, op: "INSERT", table: "payment_events"},
		{sql: `UPDATE "users" SET "email_verified"=$1`, op: "UPDATE", table: "users"},
		{sql: `DELETE FROM usage_counters WHERE id = 1`, op: "DELETE", table: "usage_counters"},
		{sql: `VACUUM`, op: "UNKNOWN", table: ""},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		if op != tc.op || table != tc.table {
			t.Fatalf("describeSQL(%q) = %q, %q; want %q, %q", tc.sql, op, table, tc.op, tc.table)
		}
	}
}
