package executor

import "database/sql"

// ScanCatalogRows drains rows into CatalogRow maps keyed by column name,
// stringifying every cell. Shared by every database/sql-based adapter's
// ListCatalog implementation since catalog query shapes vary per dialect
// but the row-to-map mechanics don't.
func ScanCatalogRows(rows *sql.Rows) ([]CatalogRow, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	scratch := make([]any, len(cols))
	for i := range scratch {
		scratch[i] = new(sql.NullString)
	}

	var out []CatalogRow
	for rows.Next() {
		if err := rows.Scan(scratch...); err != nil {
			return nil, err
		}
		row := make(CatalogRow, len(cols))
		for i, name := range cols {
			ns := scratch[i].(*sql.NullString)
			if ns.Valid {
				row[name] = ns.String
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
