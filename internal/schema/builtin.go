package schema

const (
	// MappingModel stores external key to primary key associations.
	MappingModel = "io.mapping"

	// ImporterModel stores one row per running or failed import session.
	ImporterModel = "io.importer"
)

func builtinModels() []Model {
	return []Model{
		{
			Name: MappingModel,
			Fields: []Field{
				{Name: "key", Type: FieldString, PrimaryKey: true},
				{Name: "model", Type: FieldString, PrimaryKey: true},
				{Name: "primary_key", Type: FieldJSON, Required: true},
				{Name: "module", Type: FieldString},
			},
		},
		{
			Name: ImporterModel,
			Fields: []Field{
				{Name: "id", Type: FieldInteger, PrimaryKey: true, AutoIncrement: true},
				{Name: "session_id", Type: FieldString, Required: true},
				{Name: "model", Type: FieldString, Required: true},
				{Name: "mode", Type: FieldSelection, Required: true},
				{Name: "payload", Type: FieldLargeBinary},
				{Name: "check_import", Type: FieldBoolean},
				{Name: "commit_per_group", Type: FieldBoolean},
				{Name: "module", Type: FieldString},
				{Name: "created_at", Type: FieldDateTime},
			},
		},
	}
}
