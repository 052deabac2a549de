package descriptor

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver" // SQLite driver for database/sql
	_ "github.com/ncruces/go-sqlite3/embed"  // Embed SQLite for cross-platform compatibility
)

// LoadDB loads the legacy SQLite pipeline store: one stage row per plugin
// instance, joined through the monitor's pipeline. Rows carry only library
// paths; their config blobs default to "{}".
func LoadDB(path string, monitorID int) ([]Entry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &MalformedPipelineError{Reason: fmt.Sprintf("cannot open DB %s: %v", path, err)}
	}
	defer db.Close()

	const q = `
		SELECT pi.path FROM pipelines p
		JOIN plugin_instances pi ON pi.pipeline_id = p.id
		WHERE p.monitor_id = ?
		ORDER BY pi.id`
	rows, err := db.Query(q, monitorID)
	if err != nil {
		return nil, &MalformedPipelineError{Reason: fmt.Sprintf("query %s: %v", path, err)}
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var libPath string
		if err := rows.Scan(&libPath); err != nil {
			return nil, &MalformedPipelineError{Reason: fmt.Sprintf("scan %s: %v", path, err)}
		}
		out = append(out, Entry{Path: libPath, ConfigJSON: "{}"})
	}
	if err := rows.Err(); err != nil {
		return nil, &MalformedPipelineError{Reason: fmt.Sprintf("iterate %s: %v", path, err)}
	}
	if len(out) == 0 {
		return nil, &MalformedPipelineError{Reason: fmt.Sprintf("no pipeline configured for monitor %d", monitorID)}
	}
	return out, nil
}
