package recordstore

import "testing"

func TestCheckZoneScoped(t *testing.T) {
	tests := []struct {
		name    string
		stmt    string
		wantErr bool
	}{
		{
			name:    "select with zone predicate",
			stmt:    "SELECT * FROM rebac_tuples WHERE zone_id = ? AND object_id = ?",
			wantErr: false,
		},
		{
			name:    "select missing zone predicate",
			stmt:    "SELECT * FROM rebac_tuples WHERE object_id = ?",
			wantErr: true,
		},
		{
			name:    "update of zone scoped table with zone predicate",
			stmt:    "UPDATE version_history SET version = ? WHERE zone_id = ? AND path = ?",
			wantErr: false,
		},
		{
			name:    "table not zone scoped",
			stmt:    "SELECT * FROM schema_migrations",
			wantErr: false,
		},
		{
			name:    "insert with zone_id in column list",
			stmt:    "INSERT INTO operation_log (op_id, zone_id, subject_id) VALUES (?, ?, ?)",
			wantErr: false,
		},
		{
			name:    "insert missing zone_id in column list",
			stmt:    "INSERT INTO operation_log (op_id, subject_id) VALUES (?, ?)",
			wantErr: true,
		},
		{
			name:    "upsert into zone scoped table with zone_id in column list",
			stmt:    "INSERT INTO peer_enrollments (zone_id, peer_kernel_id, token_hash) VALUES (?, ?, ?) ON CONFLICT (zone_id, peer_kernel_id) DO UPDATE SET token_hash = excluded.token_hash",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkZoneScoped(tt.stmt)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkZoneScoped() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
