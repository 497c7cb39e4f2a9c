package sqlite

import (
	"context"
	"database/sql"

	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/version"
)

// Catalog implements graph.Catalog against the current ("Active", latest
// defined_on) rows visible in db — the "currently active" restriction C2
// requires of its inputs.
type Catalog struct{ db *DB }

// NewCatalog returns a graph.Catalog backed by db.
func NewCatalog(db *DB) *Catalog { return &Catalog{db: db} }

func (c *Catalog) FunctionVersion(ctx context.Context, functionID string) (model.FunctionVersion, error) {
	row := c.db.conn.QueryRowContext(ctx, `
		SELECT function_version_id, function_id, collection_id, name, description,
		       bundle_id, snippet, decorator, status, data_location, defined_on, defined_by
		FROM function_versions
		WHERE (function_id = ? OR function_version_id = ?) AND status = 'Active'
		ORDER BY defined_on DESC LIMIT 1`, functionID, functionID)

	var fv model.FunctionVersion
	var decorator string
	if err := row.Scan(&fv.FunctionVersionID, &fv.FunctionID, &fv.CollectionID, &fv.Name, &fv.Description,
		&fv.BundleID, &fv.Snippet, &decorator, &fv.Status, &fv.DataLocation, &fv.DefinedOn, &fv.DefinedBy); err != nil {
		return model.FunctionVersion{}, wrapDBError("catalog: function version", err)
	}
	fv.Decorator = model.DecoratorKind(decorator)
	return fv, nil
}

func (c *Catalog) OutputsOf(ctx context.Context, functionVersionID string) ([]model.TableVersion, error) {
	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT table_version_id, table_id, collection_id, name, function_version_id, output_pos, private, status, defined_on
		FROM table_versions WHERE function_version_id = ? AND status != 'Deleted'`, functionVersionID)
	if err != nil {
		return nil, wrapDBError("catalog: outputs of", err)
	}
	defer rows.Close()

	var out []model.TableVersion
	for rows.Next() {
		var tv model.TableVersion
		if err := rows.Scan(&tv.TableVersionID, &tv.TableID, &tv.CollectionID, &tv.Name, &tv.FunctionVersionID,
			&tv.OutputPos, &tv.Private, &tv.Status, &tv.DefinedOn); err != nil {
			return nil, wrapDBError("catalog: scan output", err)
		}
		out = append(out, tv)
	}
	return out, wrapDBError("catalog: iterate outputs", rows.Err())
}

func (c *Catalog) DependenciesOf(ctx context.Context, functionVersionID string) ([]model.DependencyVersion, error) {
	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT dependency_version_id, function_version_id, table_id, table_version_id, dep_pos, self_dependency, versions_expr, status, defined_on
		FROM dependency_versions WHERE function_version_id = ? AND status = 'Active'`, functionVersionID)
	if err != nil {
		return nil, wrapDBError("catalog: dependencies of", err)
	}
	defer rows.Close()

	var out []model.DependencyVersion
	for rows.Next() {
		var dv model.DependencyVersion
		var expr string
		if err := rows.Scan(&dv.DependencyVersionID, &dv.FunctionVersionID, &dv.TableID, &dv.TableVersionID,
			&dv.DepPos, &dv.SelfDependency, &expr, &dv.Status, &dv.DefinedOn); err != nil {
			return nil, wrapDBError("catalog: scan dependency", err)
		}
		vs, err := version.Parse(expr)
		if err != nil {
			return nil, err
		}
		dv.Versions = vs
		out = append(out, dv)
	}
	return out, wrapDBError("catalog: iterate dependencies", rows.Err())
}

func (c *Catalog) ExplicitTriggersOf(ctx context.Context, functionVersionID string) ([]model.TriggerVersion, error) {
	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT trigger_version_id, function_version_id, table_id, table_version_id, status, defined_on
		FROM trigger_versions WHERE function_version_id = ? AND status = 'Active'`, functionVersionID)
	if err != nil {
		return nil, wrapDBError("catalog: triggers of", err)
	}
	defer rows.Close()

	var out []model.TriggerVersion
	for rows.Next() {
		var tv model.TriggerVersion
		if err := rows.Scan(&tv.TriggerVersionID, &tv.FunctionVersionID, &tv.TableID, &tv.TableVersionID, &tv.Status, &tv.DefinedOn); err != nil {
			return nil, wrapDBError("catalog: scan trigger", err)
		}
		out = append(out, tv)
	}
	return out, wrapDBError("catalog: iterate triggers", rows.Err())
}

func (c *Catalog) ProducerOf(ctx context.Context, tableID string) (string, bool, error) {
	row := c.db.conn.QueryRowContext(ctx, `
		SELECT function_version_id FROM table_versions
		WHERE table_id = ? AND status != 'Deleted' ORDER BY defined_on DESC LIMIT 1`, tableID)
	var fvID string
	if err := row.Scan(&fvID); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, wrapDBError("catalog: producer of", err)
	}
	return fvID, true, nil
}

func (c *Catalog) DownstreamTriggeredFunctions(ctx context.Context, tableID string) ([]model.FunctionVersion, error) {
	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT DISTINCT fv.function_id
		FROM trigger_versions tv
		JOIN function_versions fv ON fv.function_version_id = tv.function_version_id
		WHERE tv.table_id = ? AND tv.status = 'Active'
		UNION
		SELECT DISTINCT fv.function_id
		FROM dependency_versions dv
		JOIN function_versions fv ON fv.function_version_id = dv.function_version_id
		WHERE dv.table_id = ? AND dv.status = 'Active' AND dv.self_dependency = 0
		  AND NOT EXISTS (
		    SELECT 1 FROM trigger_versions tv2
		    WHERE tv2.function_version_id = dv.function_version_id AND tv2.status = 'Active'
		  )`, tableID, tableID)
	if err != nil {
		return nil, wrapDBError("catalog: downstream triggered functions", err)
	}
	defer rows.Close()

	var functionIDs []string
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, wrapDBError("catalog: scan downstream function id", err)
		}
		functionIDs = append(functionIDs, fid)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("catalog: iterate downstream function ids", err)
	}

	out := make([]model.FunctionVersion, 0, len(functionIDs))
	for _, fid := range functionIDs {
		fv, err := c.FunctionVersion(ctx, fid)
		if err != nil {
			return nil, err
		}
		out = append(out, fv)
	}
	return out, nil
}
